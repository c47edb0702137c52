package service

import (
	"context"
	"strings"
	"time"

	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/models"
	"tg-imagebot/internal/queue"
)

// presenterTimeout bounds chat calls made from the queue consumer
const presenterTimeout = 15 * time.Second

var _ queue.Listener = (*Orchestrator)(nil)

func (o *Orchestrator) OnStart(req *queue.Request) {
	logger.Infof("Rendering request %s for user %s", req.ID, req.UserID)
}

func (o *Orchestrator) OnProgress(req *queue.Request, percent int) {
	ctx, cancel := context.WithTimeout(context.Background(), presenterTimeout)
	defer cancel()
	o.update(ctx, req, ProgressText(percent))
}

func (o *Orchestrator) OnComplete(req *queue.Request, artifacts []string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenterTimeout)
	defer cancel()

	if err := o.presenter.Deliver(ctx, req.ChannelID, req.MessageID, artifacts, CompletedCaption(req)); err != nil {
		logger.Errorf("Failed to deliver request %s to chat %s: %v", req.ID, req.ChannelID, err)
		o.update(ctx, req, GenericErrText)
		o.archive(ctx, req, models.GenerationFailed, err.Error(), artifacts)
		return
	}
	o.archive(ctx, req, models.GenerationCompleted, "", artifacts)
}

func (o *Orchestrator) OnFailure(req *queue.Request, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), presenterTimeout)
	defer cancel()

	o.update(ctx, req, FailureText(err))
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	o.archive(ctx, req, models.GenerationFailed, detail, nil)
}

func (o *Orchestrator) OnCancel(req *queue.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), presenterTimeout)
	defer cancel()

	o.update(ctx, req, CancelledText)
	o.archive(ctx, req, models.GenerationCancelled, "", nil)
}

func (o *Orchestrator) update(ctx context.Context, req *queue.Request, text string) {
	if err := o.presenter.Update(ctx, req.ChannelID, req.MessageID, text); err != nil {
		logger.Warningf("Failed to update status of request %s: %v", req.ID, err)
	}
}

// archive stores the terminal state of a request; failures are only logged
func (o *Orchestrator) archive(ctx context.Context, req *queue.Request, status, detail string, artifacts []string) {
	if o.history == nil {
		return
	}

	rec := &models.GenerationRecord{
		RequestID:     req.ID,
		UserID:        req.UserID,
		ChannelID:     req.ChannelID,
		MessageID:     req.MessageID,
		Prompt:        req.Prompt,
		Resolution:    req.Resolution,
		Adapters:      strings.Join(req.Adapters, ","),
		UpscaleFactor: req.UpscaleFactor,
		Seed:          req.Seed,
		Status:        status,
		Error:         detail,
		Artifacts:     strings.Join(artifacts, "\n"),
		CreatedAt:     req.CreatedAt,
		FinishedAt:    time.Now(),
	}
	if req.Job != nil {
		if graph, err := req.Job.JSON(); err == nil {
			rec.Workflow = string(graph)
		} else {
			logger.Warningf("Failed to encode workflow of request %s: %v", req.ID, err)
		}
	}

	if err := o.history.SaveGeneration(ctx, rec); err != nil {
		logger.Errorf("Failed to archive request %s: %v", req.ID, err)
	}
}

// History lists a user's recent generations, newest first
func (o *Orchestrator) History(ctx context.Context, userID string, limit int) ([]models.GenerationRecord, error) {
	if o.history == nil {
		return nil, nil
	}
	return o.history.RecentGenerations(ctx, userID, limit)
}
