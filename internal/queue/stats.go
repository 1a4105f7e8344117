package queue

import (
	"context"

	"github.com/celestiaorg/provisioner/internal/types"
)

// QueueStats summarises one queue
type QueueStats struct {
	Queue           string                    `json:"queue"`
	Counts          map[types.JobStatus]int64 `json:"counts"`
	Depth           int64                     `json:"depth"`
	AvgProcessingMS float64                   `json:"avg_processing_ms"`
	// SuccessRate is completed / (completed + failed + dead_lettered), or 0
	// when nothing has finished yet.
	SuccessRate float64 `json:"success_rate"`
}

// Stats returns counts per status and timing figures for a queue
func (d *Dispatcher) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	if !types.IsValidQueue(queue) {
		return nil, types.NewValidationError("queue", "unknown queue %q", queue)
	}

	counts, err := d.jobs.CountByStatus(ctx, queue)
	if err != nil {
		return nil, err
	}
	avg, err := d.jobs.AvgProcessingMS(ctx, queue)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Queue:           queue,
		Counts:          counts,
		Depth:           counts[types.JobStatusPending],
		AvgProcessingMS: avg,
	}
	done := counts[types.JobStatusCompleted]
	finished := done + counts[types.JobStatusFailed] + counts[types.JobStatusDeadLettered]
	if finished > 0 {
		stats.SuccessRate = float64(done) / float64(finished)
	}
	return stats, nil
}

// ListStats returns stats for every known queue
func (d *Dispatcher) ListStats(ctx context.Context) ([]*QueueStats, error) {
	all := make([]*QueueStats, 0, len(types.AllQueues))
	for _, q := range types.AllQueues {
		s, err := d.Stats(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, s)
	}
	return all, nil
}
