package progress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBus(logger)
}

func receiveEvent(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub.Events:
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected to receive event")
		return nil
	}
}

func TestBus_PublishJobUpdate(t *testing.T) {
	bus := newTestBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID)

	job := models.NewJob(models.JobKindIngest, models.NewULID(), models.JSONMap{"auto_analyze": true})
	job.ID = models.NewULID()
	job.MarkRunning("worker-1")
	job.Progress = 40
	job.Stage = "proxy"

	bus.PublishJobUpdate(job)

	ev := receiveEvent(t, sub)
	assert.Equal(t, EventTypeJobUpdate, ev.Type)
	assert.Equal(t, job.ID, ev.JobID)

	update, ok := ev.Data.(*JobUpdate)
	require.True(t, ok)
	assert.Equal(t, models.JobKindIngest, update.Kind)
	assert.Equal(t, models.JobStatusRunning, update.Status)
	assert.Equal(t, float64(40), update.Progress)
	assert.Equal(t, "proxy", update.Stage)
}

func TestBus_PublishSubjectUpdate(t *testing.T) {
	bus := newTestBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID)

	project := &models.Project{Name: "podcast-ep-1", Status: models.ProjectStatusIngesting}
	project.ID = models.NewULID()

	bus.PublishSubjectUpdate(project)

	ev := receiveEvent(t, sub)
	assert.Equal(t, EventTypeSubjectUpdate, ev.Type)

	update, ok := ev.Data.(*SubjectUpdate)
	require.True(t, ok)
	assert.Equal(t, project.ID, update.ProjectID)
	assert.Equal(t, models.ProjectStatusIngesting, update.Status)
	assert.Equal(t, "podcast-ep-1", update.Name)
}

func TestBus_PerJobSubscriber(t *testing.T) {
	bus := newTestBus()

	watched := models.NewJob(models.JobKindAnalyze, models.NewULID(), nil)
	watched.ID = models.NewULID()
	other := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
	other.ID = models.NewULID()

	sub := bus.SubscribeJob(watched.ID)
	defer bus.Unsubscribe(sub.ID)

	bus.PublishJobUpdate(other)

	select {
	case <-sub.Events:
		t.Fatal("should not receive event for a different job")
	case <-time.After(50 * time.Millisecond):
	}

	bus.PublishJobUpdate(watched)

	ev := receiveEvent(t, sub)
	assert.Equal(t, watched.ID, ev.JobID)
}

func TestBus_PerJobOrdering(t *testing.T) {
	bus := newTestBus()

	job := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
	job.ID = models.NewULID()
	job.MarkRunning("worker-1")

	sub := bus.SubscribeJob(job.ID)
	defer bus.Unsubscribe(sub.ID)

	for i := 1; i <= 10; i++ {
		job.Progress = float64(i * 10)
		bus.PublishJobUpdate(job)
	}

	for i := 1; i <= 10; i++ {
		ev := receiveEvent(t, sub)
		update := ev.Data.(*JobUpdate)
		assert.Equal(t, float64(i*10), update.Progress)
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := newTestBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID)

	job := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
	job.ID = models.NewULID()

	// Nobody drains the subscriber; publishing well past the buffer
	// capacity must still return.
	done := make(chan struct{})
	go func() {
		for range subscriberBuffer * 2 {
			bus.PublishJobUpdate(job)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus()

	sub := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub.ID)
	assert.Equal(t, 0, bus.SubscriberCount())

	// Channel is closed
	_, open := <-sub.Events
	assert.False(t, open)

	// Repeat unsubscribe is harmless
	bus.Unsubscribe(sub.ID)
}

func TestBus_ForegroundDelivery(t *testing.T) {
	bus := newTestBus()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	fg := NewForeground(logger)
	ctx, cancel := context.WithCancel(context.Background())
	fg.Start(ctx)
	defer func() {
		cancel()
		fg.Wait()
	}()
	bus.SetForeground(fg)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID)

	bus.PublishSupervisorLog("info", "tick completed")

	ev := receiveEvent(t, sub)
	assert.Equal(t, EventTypeSupervisorLog, ev.Type)
	entry := ev.Data.(*SupervisorLog)
	assert.Equal(t, "tick completed", entry.Message)
}

func TestForeground_RunsTasksInOrder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	fg := NewForeground(logger)
	ctx, cancel := context.WithCancel(context.Background())
	fg.Start(ctx)

	results := make(chan int, 20)
	for i := range 20 {
		fg.Submit(func() { results <- i })
	}

	cancel()
	fg.Wait()
	close(results)

	var got []int
	for v := range results {
		got = append(got, v)
	}
	require.Len(t, got, 20)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestForeground_DropsOverflowKeepingOrder(t *testing.T) {
	// Overflow beyond the queue bound is dropped, never run out of turn:
	// what does get delivered stays in submission order.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	fg := NewForeground(logger)

	// The loop is not running yet, so the queue fills and the last
	// submissions overflow.
	const overflow = 5
	results := make(chan int, foregroundQueueSize+overflow)
	for i := range foregroundQueueSize + overflow {
		fg.Submit(func() { results <- i })
	}

	ctx, cancel := context.WithCancel(context.Background())
	fg.Start(ctx)
	cancel()
	fg.Wait()
	close(results)

	var got []int
	for v := range results {
		got = append(got, v)
	}
	require.Len(t, got, foregroundQueueSize)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestForeground_RecoversFromPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	fg := NewForeground(logger)
	ctx, cancel := context.WithCancel(context.Background())
	fg.Start(ctx)

	fg.Submit(func() { panic(fmt.Errorf("boom")) })

	ran := make(chan struct{})
	fg.Submit(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("executor did not survive a panicking task")
	}

	cancel()
	fg.Wait()
}

func TestForeground_WaitWithoutStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	fg := NewForeground(logger)

	done := make(chan struct{})
	go func() {
		fg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked for an executor that never started")
	}
}
