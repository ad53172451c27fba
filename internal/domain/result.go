package domain

import (
	"encoding/json"
	"path"
	"time"
)

// UnitStatus is the terminal state of a single unit of phase work.
type UnitStatus string

const (
	UnitSuccess   UnitStatus = "success"
	UnitFailed    UnitStatus = "failed"    // the engine ran and reported failure
	UnitError     UnitStatus = "error"     // the unit itself errored (adapter, resource)
	UnitCancelled UnitStatus = "cancelled" // observed job cancellation mid-unit
)

// FileVariant distinguishes the original file from a sanitized copy.
type FileVariant string

const (
	PreCDR  FileVariant = "pre-cdr"
	PostCDR FileVariant = "post-cdr"
)

// SanitizedPath is the blob layout for sanitized artifacts: the original
// path nested under post-cdr/<engine>/.
func SanitizedPath(engine, originalPath string) string {
	return path.Join("post-cdr", engine, originalPath)
}

// CDRUnitResult records one file processed by one CDR engine (phase 1).
type CDRUnitResult struct {
	OriginalPath  string     `json:"file_path"`
	Engine        string     `json:"engine_name"`
	SanitizedPath string     `json:"sanitized_blob_path,omitempty"`
	Status        UnitStatus `json:"status"`
	ProcessingMS  int64      `json:"processing_time_ms,omitempty"`
	BytesBefore   int64      `json:"file_size_before,omitempty"`
	BytesAfter    int64      `json:"file_size_after,omitempty"`
	ThreatsFound  int        `json:"threats_found,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"start_time"`
	EndedAt       time.Time  `json:"end_time"`
}

// AVUnitResult records one file variant scanned by one AV engine (phase 2).
type AVUnitResult struct {
	Path          string      `json:"file_path"`
	Variant       FileVariant `json:"version"`
	CDREngine     string      `json:"cdr_engine,omitempty"` // post-cdr only
	OriginalPath  string      `json:"original_file,omitempty"`
	Engine        string      `json:"av_engine_name"`
	Malicious     bool        `json:"is_malicious"`
	ThreatName    string      `json:"threat_name,omitempty"`
	Confidence    float64     `json:"confidence,omitempty"` // 0-100
	ScanMS        int64       `json:"scan_time_ms,omitempty"`
	EngineVersion string      `json:"engine_version,omitempty"`
	Status        UnitStatus  `json:"status"`
	Error         string      `json:"error,omitempty"`
	StartedAt     time.Time   `json:"start_time"`
	EndedAt       time.Time   `json:"end_time"`
}

// Alert is a single normalized alert pulled from an EDR console.
type Alert struct {
	ID         string          `json:"id"`
	Severity   string          `json:"severity"`
	ThreatType string          `json:"threat_type,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// SampleAlertLimit caps how many raw alerts are kept on a unit result.
// The counters still cover every alert returned by the console.
const SampleAlertLimit = 10

// EDRUnitResult records one file variant detonated under one EDR console
// (phase 3).
type EDRUnitResult struct {
	Path           string      `json:"file_path"`
	Variant        FileVariant `json:"version"`
	CDREngine      string      `json:"cdr_engine,omitempty"`
	OriginalPath   string      `json:"original_file,omitempty"`
	Console        string      `json:"edr_solution_name"`
	VMName         string      `json:"vm_name,omitempty"`
	ExecutionStart time.Time   `json:"execution_started_at,omitempty"`
	ExecutionEnd   time.Time   `json:"execution_ended_at,omitempty"`
	AlertCount     int         `json:"alert_count"`
	HighSeverity   int         `json:"high_severity_alerts"`
	ThreatTypes    []string    `json:"threat_types,omitempty"`
	SampleAlerts   []Alert     `json:"alerts,omitempty"`
	Detected       bool        `json:"edr_detected"`
	Status         UnitStatus  `json:"status"`
	Retries        int         `json:"retries,omitempty"`
	Error          string      `json:"error,omitempty"`
	StartedAt      time.Time   `json:"start_time"`
	EndedAt        time.Time   `json:"end_time"`
}

// PlannedFile is one file variant selected for scanning or detonation.
// Phases 2 and 3 share the same plan: for every original file that at least
// one CDR engine sanitized, the pre-CDR original plus one post-CDR entry per
// successful engine.
type PlannedFile struct {
	Path         string
	Variant      FileVariant
	CDREngine    string // post-cdr only
	OriginalPath string // pairs a post-cdr entry with its original
}

// CDRSummary aggregates phase 1 on completion.
type CDRSummary struct {
	TotalUnits int `json:"total_tasks"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// AVSummary aggregates phase 2 on completion.
type AVSummary struct {
	TotalScans            int     `json:"total_scans"`
	Successful            int     `json:"successful"`
	PreCDRDetections      int     `json:"pre_cdr_detections"`
	PostCDRDetections     int     `json:"post_cdr_detections"`
	DetectionReduction    int     `json:"detection_reduction"`
	DetectionReductionPct float64 `json:"detection_reduction_pct"`
}

// ConsoleEffectiveness is the per-EDR-console slice of an EDRSummary.
type ConsoleEffectiveness struct {
	TestsPerformed    int     `json:"tests_performed"`
	PreCDRAlerts      int     `json:"pre_cdr_alerts"`
	PostCDRAlerts     int     `json:"post_cdr_alerts"`
	AlertReduction    int     `json:"alert_reduction"`
	AlertReductionPct float64 `json:"alert_reduction_pct"`
}

// EDRSummary aggregates phase 3 on completion.
type EDRSummary struct {
	TotalTests        int                             `json:"total_tests"`
	Successful        int                             `json:"successful"`
	PreCDRDetections  int                             `json:"pre_cdr_detections"`
	PostCDRDetections int                             `json:"post_cdr_detections"`
	PreCDRAlerts      int                             `json:"pre_cdr_total_alerts"`
	PostCDRAlerts     int                             `json:"post_cdr_total_alerts"`
	AlertReduction    int                             `json:"alert_reduction"`
	AlertReductionPct float64                         `json:"alert_reduction_percentage"`
	Consoles          map[string]ConsoleEffectiveness `json:"edr_effectiveness,omitempty"`
}
