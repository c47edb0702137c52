package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"tg-imagebot/internal/enhance"
	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/moderation"
	"tg-imagebot/internal/queue"
	"tg-imagebot/internal/storage"
	"tg-imagebot/internal/workflow"
)

var (
	ErrModerationBlocked = errors.New("prompt blocked by moderation")
	ErrInvalidCreativity = errors.New("creativity must be between 1 and 10")
	ErrEmptyPrompt       = errors.New("prompt is empty")
	ErrNoQueue           = errors.New("orchestrator has no queue attached")
)

// BlockedError carries the verdict of a refused prompt
type BlockedError struct {
	Verdict moderation.Verdict
	Text    string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrModerationBlocked, e.Verdict.Decision)
}

func (e *BlockedError) Is(target error) bool { return target == ErrModerationBlocked }

// Gatekeeper screens prompts
type Gatekeeper interface {
	Evaluate(ctx context.Context, userID, prompt string) (moderation.Verdict, error)
	Threshold() int
}

// Enhancer rewrites prompts at a creativity level
type Enhancer interface {
	Enhance(ctx context.Context, prompt string, level int) (string, error)
}

// JobBuilder materializes render jobs
type JobBuilder interface {
	Build(p workflow.Params) (*workflow.Job, error)
}

// Enqueuer is the producer side of the render queue
type Enqueuer interface {
	Enqueue(req *queue.Request) (int, error)
	Cancel(requestID string) bool
	Snapshot() []queue.Info
}

// Presenter shows request state in the chat the request came from
type Presenter interface {
	// Announce posts a new status message and returns its id
	Announce(ctx context.Context, channelID, replyTo, text string) (string, error)
	Update(ctx context.Context, channelID, messageID, text string) error
	Deliver(ctx context.Context, channelID, messageID string, artifacts []string, caption string) error
}

// Submission is one image request as parsed by the front-end
type Submission struct {
	UserID    string
	ChannelID string
	// ReplyTo is the message that triggered the request
	ReplyTo string

	Prompt        string
	Resolution    string
	Adapters      []string
	UpscaleFactor int
	Seed          *int64
	// Creativity 0 means the configured default
	Creativity int
}

// Outcome describes an accepted submission
type Outcome struct {
	RequestID string
	MessageID string
	Queued    bool
	// Position is 1-based among queued requests
	Position int
	Prompt   string
	Seed     int64
	Enhanced bool
	Text     string
}

type Options struct {
	EnhancementEnabled bool
	DefaultCreativity  int
}

// Orchestrator runs a submission through moderation, enhancement and the
// workflow builder before handing it to the render queue. It also listens to
// the queue and reports back to the chat.
type Orchestrator struct {
	gate      Gatekeeper
	enhancer  Enhancer
	builder   JobBuilder
	presenter Presenter
	history   storage.HistoryStore
	queue     Enqueuer

	enhancement       atomic.Bool
	defaultCreativity atomic.Int32
}

// NewOrchestrator wires the pipeline; enhancer and history may be nil.
// AttachQueue must be called before Submit.
func NewOrchestrator(gate Gatekeeper, enhancer Enhancer, builder JobBuilder, presenter Presenter, history storage.HistoryStore, opts Options) *Orchestrator {
	o := &Orchestrator{
		gate:      gate,
		enhancer:  enhancer,
		builder:   builder,
		presenter: presenter,
		history:   history,
	}
	o.SetEnhancement(opts.EnhancementEnabled, opts.DefaultCreativity)
	return o
}

// AttachQueue sets the queue requests are sent to. The queue in turn reports
// to the orchestrator as its Listener.
func (o *Orchestrator) AttachQueue(q Enqueuer) {
	o.queue = q
}

// SetEnhancement toggles prompt enhancement at runtime
func (o *Orchestrator) SetEnhancement(enabled bool, defaultCreativity int) {
	if defaultCreativity < enhance.MinLevel || defaultCreativity > enhance.MaxLevel {
		defaultCreativity = enhance.MinLevel
	}
	o.enhancement.Store(enabled && o.enhancer != nil)
	o.defaultCreativity.Store(int32(defaultCreativity))
}

// Submit screens, enhances, builds and enqueues one request. Refused prompts
// return a *BlockedError; a full queue is reported in the status message and
// in Outcome.Text without an error.
func (o *Orchestrator) Submit(ctx context.Context, s Submission) (*Outcome, error) {
	if o.queue == nil {
		return nil, ErrNoQueue
	}

	prompt := strings.TrimSpace(s.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	level := s.Creativity
	if level == 0 {
		level = int(o.defaultCreativity.Load())
	}
	if level < enhance.MinLevel || level > enhance.MaxLevel {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCreativity, level)
	}

	verdict, err := o.gate.Evaluate(ctx, s.UserID, prompt)
	if err != nil {
		logger.Errorf("Moderation failed for user %s: %v", s.UserID, err)
		return nil, fmt.Errorf("moderation: %w", err)
	}
	if verdict.Decision != moderation.Allowed {
		logger.Infof("Prompt from user %s refused: %s (word %q, warnings %d)",
			s.UserID, verdict.Decision, verdict.Word, verdict.WarningCount)
		return nil, &BlockedError{Verdict: verdict, Text: VerdictText(verdict, o.gate.Threshold())}
	}

	final, enhanced := o.enhance(ctx, s.UserID, prompt, level)

	job, err := o.builder.Build(workflow.Params{
		Prompt:        final,
		Resolution:    s.Resolution,
		Adapters:      s.Adapters,
		UpscaleFactor: s.UpscaleFactor,
		Seed:          s.Seed,
	})
	if err != nil {
		return nil, err
	}

	messageID, err := o.presenter.Announce(ctx, s.ChannelID, s.ReplyTo, ProgressText(0))
	if err != nil {
		logger.Errorf("Failed to post status message in chat %s: %v", s.ChannelID, err)
		return nil, fmt.Errorf("announce: %w", err)
	}

	req := &queue.Request{
		ID:            uuid.NewString(),
		UserID:        s.UserID,
		ChannelID:     s.ChannelID,
		MessageID:     messageID,
		Prompt:        job.Prompt,
		Resolution:    job.Resolution,
		Adapters:      job.Adapters,
		UpscaleFactor: job.Upscale,
		Seed:          job.Seed,
		Job:           job,
	}
	out := &Outcome{
		RequestID: req.ID,
		MessageID: messageID,
		Prompt:    job.Prompt,
		Seed:      job.Seed,
		Enhanced:  enhanced,
	}

	position, err := o.queue.Enqueue(req)
	if errors.Is(err, queue.ErrQueueFull) {
		logger.Warningf("Queue full, request from user %s rejected", s.UserID)
		o.update(ctx, req, QueueFullText)
		out.Text = QueueFullText
		return out, nil
	}
	if err != nil {
		logger.Errorf("Failed to enqueue request %s: %v", req.ID, err)
		o.update(ctx, req, GenericErrText)
		return nil, err
	}

	out.Queued = true
	out.Position = position
	out.Text = fmt.Sprintf("Request queued at position %d.", position)
	logger.Infof("Request %s from user %s queued at position %d (seed %d)", req.ID, s.UserID, position, job.Seed)
	return out, nil
}

// enhance falls back to the original prompt on any failure
func (o *Orchestrator) enhance(ctx context.Context, userID, prompt string, level int) (string, bool) {
	if !o.enhancement.Load() || level <= enhance.MinLevel {
		return prompt, false
	}
	enhanced, err := o.enhancer.Enhance(ctx, prompt, level)
	if err != nil {
		logger.Warningf("Enhancement at level %d failed for user %s, using original prompt: %v", level, userID, err)
		return prompt, false
	}
	logger.Debugf("Prompt for user %s enhanced at level %d: %q", userID, level, enhanced)
	return enhanced, true
}

// Cancel withdraws a request, queued or rendering
func (o *Orchestrator) Cancel(requestID string) bool {
	if o.queue == nil {
		return false
	}
	return o.queue.Cancel(requestID)
}

// CancelOwned withdraws one of userID's requests: requestID when given,
// otherwise the user's most recent one
func (o *Orchestrator) CancelOwned(userID, requestID string) bool {
	if o.queue == nil {
		return false
	}

	target := ""
	for _, info := range o.queue.Snapshot() {
		if info.UserID != userID {
			continue
		}
		if requestID == "" || info.ID == requestID {
			target = info.ID
		}
	}
	if target == "" {
		return false
	}
	return o.queue.Cancel(target)
}

// QueueReport summarizes the queue for a status command
func (o *Orchestrator) QueueReport() string {
	if o.queue == nil {
		return "The queue is not running."
	}
	infos := o.queue.Snapshot()
	if len(infos) == 0 {
		return "The queue is empty."
	}

	var b strings.Builder
	for _, info := range infos {
		if info.Position == 0 {
			fmt.Fprintf(&b, "Rendering: %d%% complete\n", info.Progress)
			continue
		}
		fmt.Fprintf(&b, "#%d waiting\n", info.Position)
	}
	return strings.TrimRight(b.String(), "\n")
}
