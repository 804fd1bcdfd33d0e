package nabd

import (
	"time"

	"github.com/clambin/nabtag/internal/registry"
	"github.com/google/uuid"
)

// Sources of scan events.
const (
	SourceReader = "nabd"  // a rabbit's rfid reader, via its nabd daemon
	SourceAPI    = "api"   // POST /api/scan
	SourceSlack  = "slack" // the trigger chat command
	SourceRelay  = "relay" // a trigger forwarded by a peer instance
)

// ScanEvent is one tag detection. UID is in canonical form. Rabbit names the
// rabbit that saw the tag and may be empty for manual triggers.
type ScanEvent struct {
	ID     string    `json:"id"`
	UID    string    `json:"uid"`
	Rabbit string    `json:"rabbit,omitempty"`
	Source string    `json:"source"`
	Time   time.Time `json:"time"`
}

// NewScanEvent returns a ScanEvent with a fresh id, the canonical form of
// uid and the current time.
func NewScanEvent(uid string, rabbit string, source string) ScanEvent {
	return ScanEvent{
		ID:     uuid.NewString(),
		UID:    registry.NormalizeUID(uid),
		Rabbit: rabbit,
		Source: source,
		Time:   time.Now(),
	}
}
