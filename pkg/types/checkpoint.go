package types

import "time"

// CheckpointReason explains why a checkpoint job was submitted.
type CheckpointReason string

const (
	CheckpointManual   CheckpointReason = "manual"
	CheckpointDaily    CheckpointReason = "daily"
	CheckpointIncident CheckpointReason = "incident"
)

// CheckpointJobStatus is the state-machine position of a checkpoint job.
type CheckpointJobStatus string

const (
	JobQueued             CheckpointJobStatus = "queued"
	JobRunning            CheckpointJobStatus = "running"
	JobPending            CheckpointJobStatus = "pending"
	JobCompleted          CheckpointJobStatus = "completed"
	JobManualIntervention CheckpointJobStatus = "manual_intervention"
)

// CheckpointPayload is the immutable input to a checkpoint job.
type CheckpointPayload struct {
	SessionID     string
	SeedEntityIDs []string
	Reason        CheckpointReason
	HopCount      int
	Window        *time.Duration
	Annotations   map[string]string
	EventsSnapshot []*SessionEvent // recent session events captured at submission time
}

// CheckpointJob is a durable, retrying unit of checkpoint materialization
// work. It survives process restart via an injected persistence interface.
type CheckpointJob struct {
	ID           string
	Payload      CheckpointPayload
	Attempts     int
	Status       CheckpointJobStatus
	QueuedAt     time.Time
	UpdatedAt    time.Time
	LastError    string
	CheckpointID string // set once the checkpoint entity is created, so a retried attempt resumes rather than recreating it
}

// CheckpointJobSnapshot is the flattened row persisted by the job store;
// Payload is stored as an opaque JSON blob so the persistence adapter never
// needs to know the concrete Go type.
type CheckpointJobSnapshot struct {
	ID           string
	PayloadJSON  []byte
	Attempts     int
	Status       CheckpointJobStatus
	LastError    string
	QueuedAt     time.Time
	UpdatedAt    time.Time
	CheckpointID string
}
