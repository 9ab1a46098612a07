package health

import (
	"errors"
	"time"
)

// Component identifies a monitored dependency.
type Component string

const (
	ComponentEmbeddingEngine Component = "embedding_engine"
	ComponentVectorStore     Component = "vector_store"
	ComponentAuth            Component = "auth"
)

// Components lists every monitored dependency in reporting order.
var Components = []Component{ComponentEmbeddingEngine, ComponentVectorStore, ComponentAuth}

// Status is the health of a single component.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

var (
	ErrUnknownComponent = errors.New("health: unknown component")
	ErrUnknownStatus    = errors.New("health: unknown status")
	ErrProbeTimeout     = errors.New("health: probe timed out")
	ErrQueueEmpty       = errors.New("health: registration queue is empty")
)

// ComponentHealth is the latest probe result for one component.
type ComponentHealth struct {
	Component   Component `json:"component"`
	Status      Status    `json:"status"`
	Message     string    `json:"message"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// QueuedRegistration is a face registration deferred while the vector store
// cannot accept writes.
type QueuedRegistration struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	ImageData []byte         `json:"image_data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Transition is one status change. Record is the health record written by
// the update that caused it.
type Transition struct {
	Component Component
	From      Status
	To        Status
	Record    ComponentHealth
}

// StateChangeFunc observes status transitions of a component.
type StateChangeFunc func(t Transition)

func knownStatus(s Status) bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusUnavailable:
		return true
	}
	return false
}

func knownComponent(c Component) bool {
	for _, k := range Components {
		if k == c {
			return true
		}
	}
	return false
}
