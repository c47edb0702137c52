package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tg-imagebot/internal/crash"
	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/models"
)

type Options struct {
	// Capacity bounds the number of queued requests; the in-flight one is not counted
	Capacity int
	// RenderTimeout is the longest the renderer may stay silent
	RenderTimeout time.Duration
}

// Queue is a bounded FIFO in front of a single renderer. Exactly one
// goroutine runs Run; producers never block.
type Queue struct {
	renderer Renderer
	listener Listener
	opts     Options

	mu       sync.Mutex
	pending  []*Request
	ids      map[string]struct{}
	inflight *Request
	stop     context.CancelFunc
	wake     chan struct{}

	// withdrawn records a Cancel that arrived before the render context existed
	withdrawn bool
}

func New(renderer Renderer, listener Listener, opts Options) *Queue {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 5 * time.Minute
	}
	return &Queue{
		renderer: renderer,
		listener: listener,
		opts:     opts,
		ids:      make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends req and returns its 1-based position among queued requests.
// A full queue is left untouched.
func (q *Queue) Enqueue(req *Request) (int, error) {
	if req == nil || req.ID == "" {
		return 0, ErrInvalidRequest
	}

	q.mu.Lock()
	if _, dup := q.ids[req.ID]; dup {
		q.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	if len(q.pending) >= q.opts.Capacity {
		q.mu.Unlock()
		return 0, ErrQueueFull
	}

	req.status = models.GenerationPending
	req.progress = 0
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	q.pending = append(q.pending, req)
	q.ids[req.ID] = struct{}{}
	position := len(q.pending)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	logger.Debugf("Request %s from user %s queued at position %d", req.ID, req.UserID, position)
	return position, nil
}

// Cancel withdraws a request. Queued requests are removed at once; for the
// in-flight one the render context is cancelled, which the renderer may ignore.
func (q *Queue) Cancel(requestID string) bool {
	q.mu.Lock()
	for i, req := range q.pending {
		if req.ID != requestID {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		delete(q.ids, requestID)
		req.status = models.GenerationCancelled
		q.mu.Unlock()

		q.listener.OnCancel(req)
		return true
	}

	if q.inflight != nil && q.inflight.ID == requestID {
		stop := q.stop
		if stop == nil {
			q.withdrawn = true
		}
		q.mu.Unlock()
		if stop != nil {
			stop()
		}
		return true
	}
	q.mu.Unlock()
	return false
}

// Len returns the number of queued requests, not counting the in-flight one
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the id of the request being rendered, if any
func (q *Queue) InFlight() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight == nil {
		return "", false
	}
	return q.inflight.ID, true
}

// Snapshot lists the in-flight request first, then the queue in order
func (q *Queue) Snapshot() []Info {
	q.mu.Lock()
	defer q.mu.Unlock()

	infos := make([]Info, 0, len(q.pending)+1)
	if r := q.inflight; r != nil {
		infos = append(infos, Info{ID: r.ID, UserID: r.UserID, Status: r.status, Progress: r.progress})
	}
	for i, r := range q.pending {
		infos = append(infos, Info{ID: r.ID, UserID: r.UserID, Status: r.status, Progress: r.progress, Position: i + 1})
	}
	return infos
}

// Run consumes the queue until ctx is done. Requests still queued at that
// point are cancelled.
func (q *Queue) Run(ctx context.Context) error {
	logger.Infof("Render queue started (capacity %d, timeout %s)", q.opts.Capacity, q.opts.RenderTimeout)
	defer q.drain()

	for {
		req, err := q.next(ctx)
		if err != nil {
			return err
		}

		if err := crash.Guard("render-"+req.ID, func() error {
			q.process(ctx, req)
			return nil
		}); err != nil {
			q.finish(req, models.GenerationFailed)
			q.listener.OnFailure(req, err)
		}
	}
}

func (q *Queue) next(ctx context.Context) (*Request, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.inflight = req
			req.status = models.GenerationProcessing
			q.mu.Unlock()
			return req, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *Queue) process(ctx context.Context, req *Request) {
	if origin := req.Origin; origin != nil && origin.Err() != nil {
		logger.Infof("Request %s was withdrawn before dispatch", req.ID)
		q.finish(req, models.GenerationCancelled)
		q.listener.OnCancel(req)
		return
	}

	renderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.Origin != nil {
		stopAfter := context.AfterFunc(req.Origin, cancel)
		defer stopAfter()
	}

	q.mu.Lock()
	q.stop = cancel
	if q.withdrawn {
		cancel()
	}
	q.mu.Unlock()

	if renderCtx.Err() != nil || (req.Origin != nil && req.Origin.Err() != nil) {
		logger.Infof("Request %s was cancelled before dispatch", req.ID)
		q.finish(req, models.GenerationCancelled)
		q.listener.OnCancel(req)
		return
	}

	q.listener.OnStart(req)

	status, artifacts, err := q.render(renderCtx, req)
	q.finish(req, status)

	switch status {
	case models.GenerationCompleted:
		logger.Infof("Request %s completed with %d artifacts", req.ID, len(artifacts))
		q.listener.OnComplete(req, artifacts)
	case models.GenerationCancelled:
		logger.Infof("Request %s cancelled while rendering", req.ID)
		q.listener.OnCancel(req)
	default:
		logger.Warningf("Request %s failed: %v", req.ID, err)
		q.listener.OnFailure(req, err)
	}
}

// render follows one job to its terminal state. The inactivity ceiling also
// covers the dispatch itself.
func (q *Queue) render(parent context.Context, req *Request) (string, []string, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	timer := time.NewTimer(q.opts.RenderTimeout)
	defer timer.Stop()

	events, err := q.dispatch(ctx, req, timer)
	if err != nil {
		switch {
		case errors.Is(err, errDispatchStalled):
			return models.GenerationFailed, nil, fmt.Errorf("%w: job not accepted within %s", ErrRenderTimeout, q.opts.RenderTimeout)
		case ctx.Err() != nil:
			return models.GenerationCancelled, nil, ctx.Err()
		}
		var failure *RenderFailure
		if !errors.As(err, &failure) {
			err = &RenderFailure{Detail: err.Error(), Err: err}
		}
		return models.GenerationFailed, nil, err
	}

	last, phase := -1, 0
	for {
		select {
		case <-ctx.Done():
			return models.GenerationCancelled, nil, ctx.Err()

		case <-timer.C:
			return models.GenerationFailed, nil, fmt.Errorf("%w: no event for %s", ErrRenderTimeout, q.opts.RenderTimeout)

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return models.GenerationCancelled, nil, ctx.Err()
				}
				return models.GenerationFailed, nil, &RenderFailure{Detail: ErrStreamClosed.Error(), Err: ErrStreamClosed}
			}
			timer.Reset(q.opts.RenderTimeout)

			switch ev.Kind {
			case EventProgress:
				if ev.Phase != phase {
					phase, last = ev.Phase, -1
				}
				pct := min(max(ev.Progress, 0), 100)
				if pct <= last {
					continue
				}
				last = pct
				q.mu.Lock()
				req.progress = pct
				q.mu.Unlock()
				q.listener.OnProgress(req, pct)

			case EventDone:
				return models.GenerationCompleted, ev.Artifacts, nil

			case EventError:
				detail := "unknown renderer error"
				if ev.Err != nil {
					detail = ev.Err.Error()
				}
				return models.GenerationFailed, nil, &RenderFailure{Detail: detail, Err: ev.Err}
			}
		}
	}
}

var errDispatchStalled = errors.New("renderer did not accept the job")

type dispatchResult struct {
	events <-chan Event
	err    error
}

// dispatch hands req to the renderer, giving up when timer fires first. The
// abandoned call ends once the caller cancels ctx.
func (q *Queue) dispatch(ctx context.Context, req *Request, timer *time.Timer) (<-chan Event, error) {
	result := make(chan dispatchResult, 1)
	go func() {
		var events <-chan Event
		err := crash.Guard("dispatch-"+req.ID, func() error {
			var err error
			events, err = q.renderer.Render(ctx, req)
			return err
		})
		result <- dispatchResult{events: events, err: err}
	}()

	select {
	case r := <-result:
		return r.events, r.err
	case <-timer.C:
		return nil, errDispatchStalled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) finish(req *Request, status string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req.status = status
	if q.inflight == req {
		q.inflight = nil
		q.stop = nil
		q.withdrawn = false
	}
	delete(q.ids, req.ID)
}

func (q *Queue) drain() {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	for _, req := range dropped {
		delete(q.ids, req.ID)
		req.status = models.GenerationCancelled
	}
	q.mu.Unlock()

	for _, req := range dropped {
		q.listener.OnCancel(req)
	}
	if len(dropped) > 0 {
		logger.Infof("Render queue stopped, %d queued requests dropped", len(dropped))
	}
}
