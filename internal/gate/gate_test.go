package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trailcast/models"
)

func TestResolvePassesThrough(t *testing.T) {
	g := New()
	want := &models.ResolvedArtifact{IMDBID: "tt0000001", PreviewURL: "https://x"}

	got, err := g.Resolve(context.Background(), "tt0000001", func(ctx context.Context) (*models.ResolvedArtifact, error) {
		return want, nil
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestResolveDeadline(t *testing.T) {
	g := New()
	g.deadline = 50 * time.Millisecond

	_, err := g.Resolve(context.Background(), "tt0000002", func(ctx context.Context) (*models.ResolvedArtifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, ErrDeadline)
}

func TestResolveLimitsConcurrency(t *testing.T) {
	g := New()

	var inFlight, peak int64
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Resolve(context.Background(), "tt0000003", func(ctx context.Context) (*models.ResolvedArtifact, error) {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				<-release
				atomic.AddInt64(&inFlight, -1)
				return &models.ResolvedArtifact{PreviewURL: "https://x"}, nil
			})
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(5))
	require.Equal(t, int64(5), atomic.LoadInt64(&peak), "gate should fill all 5 slots")
}

func TestResolveQueuedRequestRunsAfterSlotFrees(t *testing.T) {
	g := New()

	block := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Resolve(context.Background(), "tt0000004", func(ctx context.Context) (*models.ResolvedArtifact, error) {
				<-block
				return &models.ResolvedArtifact{PreviewURL: "https://x"}, nil
			})
		}()
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_, err := g.Resolve(context.Background(), "tt0000005", func(ctx context.Context) (*models.ResolvedArtifact, error) {
			return &models.ResolvedArtifact{PreviewURL: "https://y"}, nil
		})
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("sixth request ran while all slots were held")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	wg.Wait()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued request never ran")
	}
}
