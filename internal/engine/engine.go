// Package engine wires up the external integrations the pipeline drives:
// CDR sanitization services, AV scanners, and EDR consoles.
package engine

import (
	"context"
	"time"

	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/engine/av"
	"github.com/oriys/cleanroom/internal/engine/cdr"
)

// CDREngine sanitizes files. Implementations are plain HTTP clients and must
// be safe for concurrent use.
type CDREngine interface {
	Name() string
	Sanitize(ctx context.Context, filename string, data []byte) (*cdr.Result, error)
}

// AVEngine scans files for malware.
type AVEngine interface {
	Name() string
	Scan(ctx context.Context, filename string, data []byte) (*av.Verdict, error)
}

// EDRConsole queries a vendor console for the alerts raised by a detonation
// machine inside a time window. Implementations page through the vendor API
// and return every alert; callers cap what they persist.
type EDRConsole interface {
	Label() string
	Alerts(ctx context.Context, vmName string, since, until time.Time) ([]domain.Alert, error)
}
