package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ValidationJob asks a worker to validate the listed playlists, or every
// active playlist when PlaylistIDs is empty.
type ValidationJob struct {
	ID          string    `json:"id"`
	PlaylistIDs []int64   `json:"playlist_ids,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// DefaultQueue is the list key (before prefixing) of the validation job queue.
const DefaultQueue = "jobs:validation"

// NewValidationJob fills in the id and timestamp.
func NewValidationJob(playlistIDs []int64, reason string) ValidationJob {
	return ValidationJob{
		ID:          uuid.NewString(),
		PlaylistIDs: playlistIDs,
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	}
}

// Enqueue pushes a job onto the left side of the queue list.
func Enqueue(ctx context.Context, r *Redis, queue string, job ValidationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}
	if err := r.client.LPush(ctx, r.Key(queue), data).Err(); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks until a job is available on the right side of the list
// or the timeout expires. On timeout or shutdown, (nil, nil) is returned so
// the caller can loop and check ctx.
func Dequeue(ctx context.Context, r *Redis, queue string, timeout time.Duration) (*ValidationJob, error) {
	result, err := r.client.BRPop(ctx, timeout, r.Key(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) < 2 {
		return nil, nil
	}
	var job ValidationJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("queue unmarshal: %w", err)
	}
	return &job, nil
}

// All reports whether the job covers every active playlist.
func (j ValidationJob) All() bool { return len(j.PlaylistIDs) == 0 }

// QueueLength returns how many jobs are waiting.
func QueueLength(ctx context.Context, r *Redis, queue string) (int64, error) {
	n, err := r.client.LLen(ctx, r.Key(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
