// Package transfer moves and copies single files between connections.
// Transfers inside one connection use the adapter's native rename or copy;
// transfers between two connections stream through a local staging file in
// three ordered phases (fetch, place, retire).
package transfer

import (
	"fmt"
	"time"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// Status is the lifecycle state of a transfer record.
type Status string

// Transfer statuses. Completed, failed and cancelled are terminal.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase names the step a transfer is in, or the step that failed.
type Phase string

// Transfer phases.
const (
	PhasePrepare Phase = "prepare"
	PhaseFetch   Phase = "fetch"
	PhasePlace   Phase = "place"
	PhaseRetire  Phase = "retire"
	PhaseNative  Phase = "native"
)

// ConflictPolicy decides what happens when the destination is occupied.
type ConflictPolicy string

// Conflict policies.
const (
	ConflictFail    ConflictPolicy = "fail"
	ConflictReplace ConflictPolicy = "replace"
	ConflictRename  ConflictPolicy = "rename"
)

// Endpoint addresses one path on one connection.
type Endpoint struct {
	ConnectionID string      `json:"connection_id" validate:"required"`
	Kind         client.Kind `json:"kind,omitempty"`
	Path         string      `json:"path" validate:"required"`
}

// Request describes one move or copy. Dest.Path is the full target path.
type Request struct {
	UserID            string              `json:"-"`
	Source            Endpoint            `json:"source"`
	Dest              Endpoint            `json:"dest"`
	IsMove            bool                `json:"is_move"`
	Conflict          ConflictPolicy      `json:"conflict,omitempty" validate:"omitempty,oneof=fail replace rename"`
	SourceCredentials *client.Credentials `json:"-"`
	DestCredentials   *client.Credentials `json:"-"`
}

// Record is the observable state of one transfer.
type Record struct {
	ID               string         `json:"id"`
	UserID           string         `json:"-"`
	Source           Endpoint       `json:"source"`
	Dest             Endpoint       `json:"dest"`
	FinalName        string         `json:"final_name,omitempty"`
	IsMove           bool           `json:"is_move"`
	IsDirectory      bool           `json:"is_directory"`
	Conflict         ConflictPolicy `json:"conflict"`
	Status           Status         `json:"status"`
	Phase            Phase          `json:"phase,omitempty"`
	Progress         int            `json:"progress"`
	ProgressExact    bool           `json:"progress_exact"`
	BytesTransferred int64          `json:"bytes_transferred"`
	TotalBytes       int64          `json:"total_bytes"`
	ErrorKind        remoteerr.Kind `json:"error_kind,omitempty"`
	ErrorDetail      string         `json:"error,omitempty"`
	RetryOf          string         `json:"retry_of,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
}

// PhaseError records which phase of a transfer failed.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying adapter error.
func (e *PhaseError) Unwrap() error {
	return e.Err
}

func phaseError(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Phase: phase, Err: err}
}
