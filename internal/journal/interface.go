package journal

import (
	"context"
	"time"

	"codeberg.org/mutker/coolantctl/internal/model"
)

// Kind is the cause of a journal event.
type Kind string

const (
	KindTransition Kind = "transition"
	KindDenied     Kind = "denied"
	KindEmergency  Kind = "emergency"
	KindFault      Kind = "fault"
	KindCritical   Kind = "critical"
	KindManual     Kind = "manual"
	KindResume     Kind = "resume"
)

// Event is one regulator decision worth keeping across restarts.
type Event struct {
	ID               string
	Time             time.Time
	Kind             Kind
	State            model.RegulatorState
	PriorState       model.RegulatorState
	Temperature      float64
	ValveOpen        bool
	Switched         bool
	SwitchesLastHour int
	Reason           string
}

// Recorder is the journal's domain interface.
type Recorder interface {
	// Record queues e for persistence and never blocks on I/O.
	Record(ctx context.Context, e Event) error
	// SwitchesSince returns actuator switches at or after since, oldest first.
	SwitchesSince(ctx context.Context, since time.Time) ([]model.SwitchEvent, error)
	// Recent returns the newest events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

// Repository is the storage behind a Recorder.
type Repository interface {
	Append(e Event) error
	SwitchesSince(ctx context.Context, since time.Time) ([]model.SwitchEvent, error)
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}
