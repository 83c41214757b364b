// Package types holds the data model of the knowledge graph ingestion and
// session subsystem: change events, tasks, fragments, entities,
// relationships, sessions, checkpoint jobs, and rollback points.
package types

import "time"

// ChangeKind enumerates the shape of a filesystem-level change event.
type ChangeKind string

const (
	ChangeFileAdded     ChangeKind = "fileAdded"
	ChangeFileChanged   ChangeKind = "fileChanged"
	ChangeFileDeleted   ChangeKind = "fileDeleted"
	ChangeFileRenamed   ChangeKind = "fileRenamed"
	ChangeDirAdded      ChangeKind = "dirAdded"
	ChangeDirDeleted    ChangeKind = "dirDeleted"
)

// ChangeEvent is an immutable record of a single filesystem change.
type ChangeEvent struct {
	EventID   string
	Source    string
	Timestamp time.Time
	Kind      ChangeKind
	Path      string
	Priority  *int // explicit priority override, nil means heuristic
}

// TaskType enumerates the kind of work a Task asks a worker to perform.
type TaskType string

const (
	TaskParse               TaskType = "parse"
	TaskEntityUpsert         TaskType = "entityUpsert"
	TaskRelationshipUpsert   TaskType = "relationshipUpsert"
	TaskEmbedding            TaskType = "embedding"
	TaskEnrich               TaskType = "enrich"
)

// Task is a unit of ingestion work carried through the queue and worker pool.
type Task struct {
	ID            string
	Type          TaskType
	Payload       any
	Priority      int // 0 = highest
	PartitionKey  string
	RetryCount    int
	MaxRetries    int
	EnqueuedAt    time.Time
	NotBefore     time.Time
}

// Ready reports whether the task may be dequeued at instant now.
func (t *Task) Ready(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// FragmentChangeType enumerates what kind of graph object a fragment mutates.
type FragmentChangeType string

const (
	FragmentEntity       FragmentChangeType = "entity"
	FragmentRelationship FragmentChangeType = "relationship"
	FragmentEmbedding    FragmentChangeType = "embedding"
)

// FragmentOperation enumerates the mutation a fragment performs.
type FragmentOperation string

const (
	FragmentAdd    FragmentOperation = "add"
	FragmentUpdate FragmentOperation = "update"
	FragmentDelete FragmentOperation = "delete"
)

// Embedding pairs an entity id with its vector representation for batch
// writes through the graph adapter.
type Embedding struct {
	EntityID string
	Vector   []float32
}

// ChangeFragment is the smallest unit of graph mutation derived from one
// change event. Fragments within the same EventID form a DAG via
// DependencyHints.
type ChangeFragment struct {
	ID               string
	EventID          string
	ChangeType       FragmentChangeType
	Operation        FragmentOperation
	Data             any
	DependencyHints  []string
	Confidence       float64
	Deferred         bool // relationship fragments may defer ordering vs their endpoints
}
