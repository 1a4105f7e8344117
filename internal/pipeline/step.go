package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/queue"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Step is one idempotent unit of a pipeline.
//
// Run must check before it creates: if the resource already exists in the
// external system it returns the existing reference instead of creating a
// second one. Undo, when set, removes what Run created and is only ever
// called for a step whose last recorded status is succeeded.
type Step struct {
	Name     string
	Run      func(ctx context.Context, s *State) Result
	Undo     func(ctx context.Context, s *State) error
	UndoName string

	// Zero values fall back to the executor defaults
	MaxAttempts int
	Backoff     queue.Backoff
	Timeout     time.Duration
}

func (s Step) undoName() string {
	if s.UndoName != "" {
		return s.UndoName
	}
	return "undo:" + s.Name
}

// Definition is the ordered pipeline for one job type
type Definition struct {
	Type  types.JobType
	Steps []Step
	// OnFailure runs after compensation when the job ends failed or
	// cancelled, never for failures that will be retried
	OnFailure func(ctx context.Context, s *State, cause error)
}

// State is shared by the steps of one execution
type State struct {
	Job      *models.Job
	WorkerID string
	// Outputs holds each succeeded step's output, keyed by step name
	Outputs map[string]map[string]interface{}

	payload interface{}
}

func newState(job *models.Job, workerID string) *State {
	return &State{
		Job:      job,
		WorkerID: workerID,
		Outputs:  make(map[string]map[string]interface{}),
	}
}

// String reads a string value from a previous step's output
func (s *State) String(step, key string) string {
	out, ok := s.Outputs[step]
	if !ok {
		return ""
	}
	v, ok := out[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// payloadOf decodes and validates the job payload once per execution
func payloadOf[T any](s *State) (*T, error) {
	if p, ok := s.payload.(*T); ok {
		return p, nil
	}
	p, err := types.DecodePayload[T](json.RawMessage(s.Job.Payload))
	if err != nil {
		return nil, err
	}
	s.payload = p
	return p, nil
}
