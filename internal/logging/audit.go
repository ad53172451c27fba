package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// UnitLog is a single audit entry for one pipeline unit.
type UnitLog struct {
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"job_id"`
	Phase      string    `json:"phase"`
	FilePath   string    `json:"file_path"`
	Engine     string    `json:"engine"`
	Status     string    `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Retries    int       `json:"retries,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Logger appends unit audit entries to console and optionally a JSONL file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Audit returns the default unit audit logger.
func Audit() *Logger {
	return defaultLogger
}

// SetOutput sets the audit log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a unit audit entry.
func (l *Logger) Log(entry *UnitLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if entry.Status != "success" {
			status = "✗"
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[unit] %s %s %s %s %s %dms%s\n",
			status, entry.JobID, entry.Phase, entry.Engine, entry.FilePath, entry.DurationMs, retry)
		if entry.Error != "" {
			fmt.Printf("[unit]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the audit log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
