package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg-imagebot/internal/workflow"
)

var (
	ErrQueueFull        = errors.New("queue is full")
	ErrDuplicateRequest = errors.New("request is already queued")
	ErrInvalidRequest   = errors.New("request has no id")
	ErrRenderTimeout    = errors.New("renderer stopped responding")
	ErrStreamClosed     = errors.New("renderer closed the event stream")
)

// RenderFailure is a terminal error reported by the renderer
type RenderFailure struct {
	Detail string
	Err    error
}

func (e *RenderFailure) Error() string {
	return fmt.Sprintf("render failed: %s", e.Detail)
}

func (e *RenderFailure) Unwrap() error { return e.Err }

// Request is one generation job. Everything except status and progress is
// fixed once the request is enqueued; those two are written by the consumer only.
type Request struct {
	ID        string
	UserID    string
	ChannelID string
	MessageID string

	Prompt        string
	Resolution    string
	Adapters      []string
	UpscaleFactor int
	Seed          int64
	Job           *workflow.Job
	CreatedAt     time.Time

	// Origin is the context the request came from. When it is done before
	// dispatch the request is dropped without reaching the renderer.
	Origin context.Context

	status   string
	progress int
}

// Info is a point-in-time view of a request for status displays
type Info struct {
	ID       string
	UserID   string
	Status   string
	Progress int
	// Position is 1-based among queued requests, 0 for the in-flight one
	Position int
}

type EventKind int

const (
	EventProgress EventKind = iota
	EventDone
	EventError
)

// Event is one message from the renderer about the job it is running
type Event struct {
	Kind EventKind
	// Progress is a percentage, 0-100
	Progress int
	// Phase counts the renderer's sampling passes; progress restarts with each one
	Phase     int
	Artifacts []string
	Err       error
}

// Renderer executes one job at a time. Render returns a stream that ends with
// an EventDone or EventError; implementations must stop sending once ctx is
// done and should close the channel when they finish.
type Renderer interface {
	Render(ctx context.Context, req *Request) (<-chan Event, error)
}

// Listener receives lifecycle callbacks from the consumer goroutine, one at a time
type Listener interface {
	OnStart(req *Request)
	OnProgress(req *Request, percent int)
	OnComplete(req *Request, artifacts []string)
	OnFailure(req *Request, err error)
	OnCancel(req *Request)
}
