package gate

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"trailcast/internal/metrics"
	"trailcast/models"
)

// ErrDeadline means the wall deadline fired before a slot plus resolution
// completed. Callers answer with an empty stream list.
var ErrDeadline = errors.New("resolution deadline exceeded")

const (
	defaultLimit    = 5
	defaultDeadline = 15 * time.Second
)

// Gate bounds concurrent resolutions. Overflow waits FIFO on the semaphore;
// every admitted request still races the wall deadline.
type Gate struct {
	sem      *semaphore.Weighted
	deadline time.Duration
}

func New() *Gate {
	return &Gate{
		sem:      semaphore.NewWeighted(defaultLimit),
		deadline: defaultDeadline,
	}
}

type result struct {
	artifact *models.ResolvedArtifact
	err      error
}

// Resolve runs fn under the gate. The context handed to fn carries the wall
// deadline; work finishing after the deadline is logged and discarded.
func (g *Gate) Resolve(ctx context.Context, imdbID string, fn func(context.Context) (*models.ResolvedArtifact, error)) (*models.ResolvedArtifact, error) {
	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		metrics.GateTimeouts.Inc()
		return nil, ErrDeadline
	}
	metrics.GateInFlight.Inc()

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			g.sem.Release(1)
			metrics.GateInFlight.Dec()
		}()
		a, err := fn(ctx)
		done <- result{artifact: a, err: err}
	}()

	select {
	case r := <-done:
		return r.artifact, r.err
	case <-ctx.Done():
		metrics.GateTimeouts.Inc()
		go func() {
			r := <-done
			if r.artifact != nil {
				log.Printf("[gate] discarding late result for %s after %s", imdbID, time.Since(start).Round(time.Millisecond))
			}
		}()
		return nil, ErrDeadline
	}
}
