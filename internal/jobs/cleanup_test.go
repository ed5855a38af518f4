package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/copypaste/relay-server-go/internal/model"
	"github.com/copypaste/relay-server-go/internal/ratelimit"
	"github.com/copypaste/relay-server-go/internal/token"
)

func countingTask(name string, calls *atomic.Int32, count int64, err error) Task {
	return Task{
		Name: name,
		Run: func(ctx context.Context) (int64, error) {
			calls.Add(1)
			return count, err
		},
	}
}

func TestCleanupJob_RunsTasksOnStart(t *testing.T) {
	var a, b atomic.Int32
	job := NewCleanupJob(time.Hour,
		countingTask("expired tokens", &a, 3, nil),
		countingTask("usage events", &b, 0, nil),
	)

	job.Start()
	assert.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 5*time.Millisecond)
	job.Stop()
}

func TestCleanupJob_RunsOnEveryTick(t *testing.T) {
	var calls atomic.Int32
	job := NewCleanupJob(10*time.Millisecond, countingTask("tokens", &calls, 1, nil))

	job.Start()
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	job.Stop()

	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load(), "no runs after Stop")
}

func TestCleanupJob_FailingTaskDoesNotStopOthers(t *testing.T) {
	var failing, healthy atomic.Int32
	job := NewCleanupJob(time.Hour,
		countingTask("broken", &failing, 0, errors.New("connection refused")),
		countingTask("healthy", &healthy, 2, nil),
	)

	job.Start()
	assert.Eventually(t, func() bool { return healthy.Load() == 1 }, time.Second, 5*time.Millisecond)
	job.Stop()
	job.Stop()

	assert.Equal(t, int32(1), failing.Load())
}

func TestCleanupJob_SweepsRegistries(t *testing.T) {
	tokens := token.NewRegistry(token.Lifetimes{Scan: time.Millisecond, Invite: time.Hour, Manual: time.Millisecond})
	_, _ = tokens.Create("pair-1", model.TokenKindScan)
	_, _ = tokens.Create("pair-1", model.TokenKindInvite)

	limiter := ratelimit.NewMemory()
	limiter.Allow(context.Background(), "redeem:10.0.0.1", 5, time.Millisecond)

	time.Sleep(5 * time.Millisecond)

	job := NewCleanupJob(time.Hour,
		Task{Name: "expired tokens", Run: tokens.DeleteExpired},
		Task{Name: "rate limit entries", Run: limiter.Cleanup},
	)
	job.Start()
	defer job.Stop()

	assert.Eventually(t, func() bool {
		return tokens.Stats() == token.Stats{Invite: 1}
	}, time.Second, 5*time.Millisecond)
}
