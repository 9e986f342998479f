package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchMeta(n string) Meta {
	return Meta{Kind: "convert", InputName: n + ".mov", OutputName: n + ".mp4"}
}

// completingJob finishes immediately with a completed event.
func completingJob(name, workerID string) Job {
	return Job{
		Meta: batchMeta(name),
		Fn: scriptedService(workerID,
			Started(workerID, 10),
			Completed(workerID, "/out/"+name+".mp4", 100, 1),
		),
	}
}

// failingJob finishes immediately with a failed event.
func failingJob(name, workerID, errMsg string) Job {
	return Job{
		Meta: batchMeta(name),
		Fn: scriptedService(workerID,
			Started(workerID, 10),
			Failed(workerID, errMsg),
		),
	}
}

func TestBatch_AllCompleted(t *testing.T) {
	r := NewRegistry()
	b := NewBatch(r, nil)

	b.Run(context.Background(), []Job{
		completingJob("a", "w-a"),
		completingJob("b", "w-b"),
		completingJob("c", "w-c"),
	})

	assert.False(t, b.IsProcessing())
	assert.Equal(t, 3, b.CompletedCount())
	assert.InDelta(t, 100.0, b.OverallPercent(), 0.001)
	for _, item := range b.Items() {
		assert.Equal(t, StatusCompleted, item.Status)
	}
	// Every item is mirrored into the registry under its worker id.
	assert.Len(t, r.List(), 3)
}

func TestBatch_ContinueOnError(t *testing.T) {
	r := NewRegistry()
	b := NewBatch(r, nil)

	var order []string
	var mu sync.Mutex
	record := func(name string, job Job) Job {
		inner := job.Fn
		job.Fn = func(ctx context.Context, onEvent func(Event)) (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return inner(ctx, onEvent)
		}
		return job
	}

	b.Run(context.Background(), []Job{
		record("a", completingJob("a", "w-a")),
		record("b", failingJob("b", "w-b", "bad input")),
		record("c", completingJob("c", "w-c")),
	})

	// One item's failure never aborts the batch: item c still ran.
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 3, b.CompletedCount())
	assert.False(t, b.IsProcessing())

	items := b.Items()
	require.Len(t, items, 3)
	assert.Equal(t, StatusCompleted, items[0].Status)
	assert.Equal(t, StatusFailed, items[1].Status)
	assert.Equal(t, "bad input", items[1].Error)
	assert.Equal(t, StatusCompleted, items[2].Status)
}

func TestBatch_InvocationFailureMarksItemFailed(t *testing.T) {
	r := NewRegistry()
	b := NewBatch(r, nil)

	broken := Job{
		Meta: batchMeta("b"),
		Fn: func(ctx context.Context, onEvent func(Event)) (string, error) {
			return "", errors.New("spawn failed")
		},
	}

	b.Run(context.Background(), []Job{
		completingJob("a", "w-a"),
		broken,
		completingJob("c", "w-c"),
	})

	items := b.Items()
	require.Len(t, items, 3)
	assert.Equal(t, StatusFailed, items[1].Status)
	assert.Equal(t, "spawn failed", items[1].Error)
	assert.Equal(t, StatusCompleted, items[2].Status)
}

func TestBatch_OverallPercent(t *testing.T) {
	r := NewRegistry()
	b := NewBatch(r, nil)

	// Item 0 completes; item 1 parks at 50% and waits for cancellation so
	// we can observe the mid-flight aggregate.
	release := make(chan struct{})
	parked := Job{
		Meta: batchMeta("b"),
		Fn: func(ctx context.Context, onEvent func(Event)) (string, error) {
			onEvent(Started("w-b", 10))
			onEvent(Progressed(ProgressUpdate{TaskID: "w-b", Percent: 50}))
			go func() {
				<-release
				onEvent(Cancelled("w-b"))
			}()
			return "w-b", nil
		},
	}

	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), []Job{completingJob("a", "w-a"), parked})
		close(done)
	}()

	// Wait until item 1 has reported its 50%.
	require.Eventually(t, func() bool {
		items := b.Items()
		return len(items) == 2 && items[1].Progress != nil && items[1].Progress.Percent == 50
	}, time.Second, time.Millisecond)

	// 2 items: completed contributes 50, half-done running one 25.
	assert.InDelta(t, 75.0, b.OverallPercent(), 0.001)
	assert.Equal(t, 1, b.CompletedCount())
	assert.True(t, b.IsProcessing())

	close(release)
	<-done
	assert.False(t, b.IsProcessing())
}

func TestBatch_CancelAllMidway(t *testing.T) {
	r := NewRegistry()

	var cancelled []string
	var mu sync.Mutex
	cancelFn := func(ctx context.Context, taskID string) error {
		mu.Lock()
		cancelled = append(cancelled, taskID)
		mu.Unlock()
		return errors.New("already gone") // best-effort, must be swallowed
	}
	b := NewBatch(r, cancelFn)

	var started []string
	running := make(chan struct{})
	hang := Job{
		Meta: batchMeta("c"),
		Fn: func(ctx context.Context, onEvent func(Event)) (string, error) {
			mu.Lock()
			started = append(started, "c")
			mu.Unlock()
			onEvent(Started("w-c", 10))
			close(running)
			// Never emits a terminal event: only CancelAll can resolve it.
			return "w-c", nil
		},
	}
	track := func(name string, job Job) Job {
		inner := job.Fn
		job.Fn = func(ctx context.Context, onEvent func(Event)) (string, error) {
			mu.Lock()
			started = append(started, name)
			mu.Unlock()
			return inner(ctx, onEvent)
		}
		return job
	}

	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), []Job{
			track("a", completingJob("a", "w-a")),
			track("b", completingJob("b", "w-b")),
			hang,
			track("d", completingJob("d", "w-d")),
			track("e", completingJob("e", "w-e")),
		})
		close(done)
	}()

	<-running
	b.CancelAll(context.Background())
	<-done

	items := b.Items()
	require.Len(t, items, 5)
	assert.Equal(t, StatusCompleted, items[0].Status)
	assert.Equal(t, StatusCompleted, items[1].Status)
	assert.Equal(t, StatusCancelled, items[2].Status)
	assert.Equal(t, StatusCancelled, items[3].Status)
	assert.Equal(t, StatusCancelled, items[4].Status)

	// Items after the cancellation point never started.
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, started)
	// Cancellation was requested for every worker id collected so far.
	assert.Contains(t, cancelled, "w-c")
	mu.Unlock()

	assert.True(t, b.IsCancelled())
	assert.False(t, b.IsProcessing())
}

func TestBatch_Reset(t *testing.T) {
	r := NewRegistry()
	b := NewBatch(r, nil)

	b.Run(context.Background(), []Job{completingJob("a", "w-a")})
	require.Len(t, r.List(), 1)

	b.Reset()
	assert.Empty(t, b.Items())
	assert.Zero(t, b.CompletedCount())
	assert.False(t, b.IsProcessing())
	assert.False(t, b.IsCancelled())
	// Batch cleanup removes its entries from the registry.
	assert.Empty(t, r.List())
}

func TestBatch_EmptyRun(t *testing.T) {
	b := NewBatch(NewRegistry(), nil)
	b.Run(context.Background(), nil)
	assert.False(t, b.IsProcessing())
	assert.Zero(t, b.OverallPercent())
	assert.Zero(t, b.CompletedCount())
}
