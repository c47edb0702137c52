package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-imagebot/internal/queue"
)

type renderFunc func(ctx context.Context, req *queue.Request) (<-chan queue.Event, error)

type fakeRenderer struct {
	mu     sync.Mutex
	calls  []string
	render renderFunc
}

func (f *fakeRenderer) Render(ctx context.Context, req *queue.Request) (<-chan queue.Event, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.ID)
	f.mu.Unlock()
	return f.render(ctx, req)
}

func (f *fakeRenderer) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// done renders instantly
func done(_ context.Context, req *queue.Request) (<-chan queue.Event, error) {
	ch := make(chan queue.Event, 1)
	ch <- queue.Event{Kind: queue.EventDone, Artifacts: []string{"http://img/" + req.ID}}
	close(ch)
	return ch, nil
}

type event struct {
	kind string
	id   string
	pct  int
	err  error
}

type recorder struct {
	events chan event
}

func newRecorder() *recorder { return &recorder{events: make(chan event, 64)} }

func (r *recorder) OnStart(req *queue.Request) { r.events <- event{kind: "start", id: req.ID} }
func (r *recorder) OnProgress(req *queue.Request, pct int) {
	r.events <- event{kind: "progress", id: req.ID, pct: pct}
}
func (r *recorder) OnComplete(req *queue.Request, _ []string) {
	r.events <- event{kind: "complete", id: req.ID}
}
func (r *recorder) OnFailure(req *queue.Request, err error) {
	r.events <- event{kind: "failure", id: req.ID, err: err}
}
func (r *recorder) OnCancel(req *queue.Request) { r.events <- event{kind: "cancel", id: req.ID} }

// await returns the next event of kind, skipping others
func (r *recorder) await(t *testing.T, kind string) event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return event{}
		}
	}
}

func start(t *testing.T, q *queue.Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

func req(id string) *queue.Request {
	return &queue.Request{ID: id, UserID: "u-" + id}
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	r := &fakeRenderer{render: done}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 5, RenderTimeout: time.Second})

	for i, id := range []string{"a", "b", "c"} {
		pos, err := q.Enqueue(req(id))
		require.NoError(t, err)
		assert.Equal(t, i+1, pos)
	}

	start(t, q)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, rec.await(t, "complete").id)
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.called())
	assert.Zero(t, q.Len())
}

func TestQueueRejectsWithoutMutation(t *testing.T) {
	t.Parallel()

	q := queue.New(&fakeRenderer{render: done}, newRecorder(), queue.Options{Capacity: 2, RenderTimeout: time.Second})

	_, err := q.Enqueue(req("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(req("b"))
	require.NoError(t, err)

	before := q.Snapshot()
	_, err = q.Enqueue(req("c"))
	assert.ErrorIs(t, err, queue.ErrQueueFull)
	assert.Equal(t, before, q.Snapshot())
	assert.Equal(t, 2, q.Len())

	_, err = q.Enqueue(req("a"))
	assert.ErrorIs(t, err, queue.ErrDuplicateRequest)

	_, err = q.Enqueue(&queue.Request{})
	assert.ErrorIs(t, err, queue.ErrInvalidRequest)
}

func TestQueueCapacityExcludesInFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	r := &fakeRenderer{render: func(ctx context.Context, req *queue.Request) (<-chan queue.Event, error) {
		if req.ID != "a" {
			return done(ctx, req)
		}
		ch := make(chan queue.Event)
		go func() {
			defer close(ch)
			select {
			case <-release:
				ch <- queue.Event{Kind: queue.EventDone}
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 1, RenderTimeout: time.Minute})
	start(t, q)

	_, err := q.Enqueue(req("a"))
	require.NoError(t, err)
	rec.await(t, "start")

	id, ok := q.InFlight()
	require.True(t, ok)
	assert.Equal(t, "a", id)

	pos, err := q.Enqueue(req("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, err = q.Enqueue(req("c"))
	assert.ErrorIs(t, err, queue.ErrQueueFull)

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, 0, snap[0].Position)
	assert.Equal(t, "b", snap[1].ID)
	assert.Equal(t, 1, snap[1].Position)

	close(release)
	assert.Equal(t, "a", rec.await(t, "complete").id)
	assert.Equal(t, "b", rec.await(t, "complete").id)
}

func TestQueueProgressOnlyOnIncrease(t *testing.T) {
	t.Parallel()

	r := &fakeRenderer{render: func(_ context.Context, _ *queue.Request) (<-chan queue.Event, error) {
		ch := make(chan queue.Event, 8)
		for _, p := range []int{10, 10, 5, 47, 150} {
			ch <- queue.Event{Kind: queue.EventProgress, Progress: p}
		}
		ch <- queue.Event{Kind: queue.EventDone, Artifacts: []string{"x"}}
		close(ch)
		return ch, nil
	}}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 1, RenderTimeout: time.Second})
	_, err := q.Enqueue(req("a"))
	require.NoError(t, err)
	start(t, q)

	var seen []int
	for {
		ev := <-rec.events
		if ev.kind == "progress" {
			seen = append(seen, ev.pct)
		}
		if ev.kind == "complete" {
			break
		}
	}
	assert.Equal(t, []int{10, 47, 100}, seen)
}

func TestQueueRenderTimeout(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{})
	r := &fakeRenderer{render: func(ctx context.Context, req *queue.Request) (<-chan queue.Event, error) {
		if req.ID == "b" {
			return done(ctx, req)
		}
		ch := make(chan queue.Event)
		go func() {
			<-ctx.Done()
			close(cancelled)
		}()
		return ch, nil
	}}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 2, RenderTimeout: 50 * time.Millisecond})
	_, err := q.Enqueue(req("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(req("b"))
	require.NoError(t, err)
	start(t, q)

	ev := rec.await(t, "failure")
	assert.Equal(t, "a", ev.id)
	assert.ErrorIs(t, ev.err, queue.ErrRenderTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("render context was not cancelled after timeout")
	}

	// the timed out job is dropped, not retried
	assert.Equal(t, "b", rec.await(t, "complete").id)
	assert.Equal(t, []string{"a", "b"}, r.called())
}

func TestQueueTimeoutResetsOnEvents(t *testing.T) {
	t.Parallel()

	r := &fakeRenderer{render: func(ctx context.Context, _ *queue.Request) (<-chan queue.Event, error) {
		ch := make(chan queue.Event)
		go func() {
			defer close(ch)
			for p := 1; p <= 6; p++ {
				select {
				case <-time.After(30 * time.Millisecond):
				case <-ctx.Done():
					return
				}
				ch <- queue.Event{Kind: queue.EventProgress, Progress: p * 10}
			}
			ch <- queue.Event{Kind: queue.EventDone}
		}()
		return ch, nil
	}}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 1, RenderTimeout: 100 * time.Millisecond})
	_, err := q.Enqueue(req("a"))
	require.NoError(t, err)
	start(t, q)

	for {
		ev := <-rec.events
		require.NotEqual(t, "failure", ev.kind, "unexpected failure: %v", ev.err)
		if ev.kind == "complete" {
			break
		}
	}
}

func TestQueueRenderFailure(t *testing.T) {
	t.Parallel()

	r := &fakeRenderer{render: func(ctx context.Context, req *queue.Request) (<-chan queue.Event, error) {
		switch req.ID {
		case "err-event":
			ch := make(chan queue.Event, 1)
			ch <- queue.Event{Kind: queue.EventError, Err: errors.New("CUDA out of memory")}
			return ch, nil
		case "closed":
			ch := make(chan queue.Event)
			close(ch)
			return ch, nil
		default:
			return nil, fmt.Errorf("connection refused")
		}
	}}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 3, RenderTimeout: time.Second})
	for _, id := range []string{"err-event", "closed", "submit"} {
		_, err := q.Enqueue(req(id))
		require.NoError(t, err)
	}
	start(t, q)

	var failure *queue.RenderFailure

	ev := rec.await(t, "failure")
	require.ErrorAs(t, ev.err, &failure)
	assert.Equal(t, "CUDA out of memory", failure.Detail)

	ev = rec.await(t, "failure")
	assert.ErrorIs(t, ev.err, queue.ErrStreamClosed)

	ev = rec.await(t, "failure")
	require.ErrorAs(t, ev.err, &failure)
	assert.Contains(t, failure.Detail, "connection refused")
}

func TestQueueWithdrawnBeforeDispatch(t *testing.T) {
	t.Parallel()

	r := &fakeRenderer{render: done}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 2, RenderTimeout: time.Second})

	origin, cancel := context.WithCancel(context.Background())
	withdrawn := req("a")
	withdrawn.Origin = origin
	cancel()

	_, err := q.Enqueue(withdrawn)
	require.NoError(t, err)
	_, err = q.Enqueue(req("b"))
	require.NoError(t, err)
	start(t, q)

	assert.Equal(t, "a", rec.await(t, "cancel").id)
	assert.Equal(t, "b", rec.await(t, "complete").id)
	assert.Equal(t, []string{"b"}, r.called())
}

func TestQueueCancel(t *testing.T) {
	t.Parallel()

	r := &fakeRenderer{render: func(ctx context.Context, _ *queue.Request) (<-chan queue.Event, error) {
		ch := make(chan queue.Event)
		go func() {
			defer close(ch)
			<-ctx.Done()
		}()
		return ch, nil
	}}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 3, RenderTimeout: time.Minute})
	start(t, q)

	_, err := q.Enqueue(req("a"))
	require.NoError(t, err)
	rec.await(t, "start")

	_, err = q.Enqueue(req("b"))
	require.NoError(t, err)

	// queued: removed synchronously
	assert.True(t, q.Cancel("b"))
	assert.Equal(t, "b", rec.await(t, "cancel").id)
	assert.Zero(t, q.Len())
	assert.False(t, q.Cancel("b"))

	// in flight: render context cancelled
	assert.True(t, q.Cancel("a"))
	assert.Equal(t, "a", rec.await(t, "cancel").id)
	assert.Equal(t, []string{"a"}, r.called())

	assert.False(t, q.Cancel("missing"))
}

func TestQueueDispatchTimeout(t *testing.T) {
	t.Parallel()

	released := make(chan struct{})
	r := &fakeRenderer{render: func(ctx context.Context, req *queue.Request) (<-chan queue.Event, error) {
		if req.ID == "b" {
			return done(ctx, req)
		}
		// never accepts the job
		<-ctx.Done()
		close(released)
		return nil, ctx.Err()
	}}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 2, RenderTimeout: 100 * time.Millisecond})
	_, err := q.Enqueue(req("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(req("b"))
	require.NoError(t, err)
	start(t, q)

	ev := rec.await(t, "failure")
	assert.Equal(t, "a", ev.id)
	assert.ErrorIs(t, ev.err, queue.ErrRenderTimeout)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("stalled dispatch was not cancelled")
	}

	assert.Equal(t, "b", rec.await(t, "complete").id)
	_, busy := q.InFlight()
	assert.False(t, busy)
}

func TestQueueProgressRestartsPerPhase(t *testing.T) {
	t.Parallel()

	r := &fakeRenderer{render: func(_ context.Context, _ *queue.Request) (<-chan queue.Event, error) {
		ch := make(chan queue.Event, 8)
		for _, ev := range []queue.Event{
			{Kind: queue.EventProgress, Progress: 50},
			{Kind: queue.EventProgress, Progress: 100},
			{Kind: queue.EventProgress, Progress: 20, Phase: 1},
			{Kind: queue.EventProgress, Progress: 10, Phase: 1},
			{Kind: queue.EventProgress, Progress: 60, Phase: 1},
			{Kind: queue.EventDone},
		} {
			ch <- ev
		}
		close(ch)
		return ch, nil
	}}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 1, RenderTimeout: time.Second})
	_, err := q.Enqueue(req("a"))
	require.NoError(t, err)
	start(t, q)

	var seen []int
	for {
		ev := <-rec.events
		if ev.kind == "progress" {
			seen = append(seen, ev.pct)
		}
		if ev.kind == "complete" {
			break
		}
	}
	assert.Equal(t, []int{50, 100, 20, 60}, seen)
}

// lateCancel looks alive on the first check and cancelled on every later one
type lateCancel struct {
	context.Context
	checks atomic.Int32
}

func (c *lateCancel) Err() error {
	if c.checks.Add(1) == 1 {
		return nil
	}
	return context.Canceled
}

func TestQueueCancelledBeforeRenderCall(t *testing.T) {
	t.Parallel()

	r := &fakeRenderer{render: done}
	rec := newRecorder()
	q := queue.New(r, rec, queue.Options{Capacity: 2, RenderTimeout: time.Second})

	withdrawn := req("a")
	withdrawn.Origin = &lateCancel{Context: context.Background()}
	_, err := q.Enqueue(withdrawn)
	require.NoError(t, err)
	_, err = q.Enqueue(req("b"))
	require.NoError(t, err)
	start(t, q)

	var kinds []string
	for {
		ev := <-rec.events
		if ev.id == "a" {
			kinds = append(kinds, ev.kind)
		}
		if ev.kind == "complete" {
			break
		}
	}
	assert.Equal(t, []string{"cancel"}, kinds)
	assert.Equal(t, []string{"b"}, r.called())
}
