package service

import (
	"errors"
	"fmt"
	"strings"

	"tg-imagebot/internal/moderation"
	"tg-imagebot/internal/queue"
	"tg-imagebot/internal/workflow"
)

const (
	QueueFullText  = "The generation queue is full. Please try again in a few minutes."
	CancelledText  = "Image generation was cancelled."
	TimeoutText    = "Image generation timed out: the renderer stopped responding."
	GenericErrText = "An error occurred while processing your request. Please try again later."
)

// ProgressText is the status line shown while a request renders
func ProgressText(percent int) string {
	return fmt.Sprintf("Generating image... %d%% complete", percent)
}

// VerdictText tells the user why their prompt was refused
func VerdictText(v moderation.Verdict, threshold int) string {
	switch {
	case v.Decision == moderation.Banned && v.Preexisting:
		reason := v.Reason
		if reason == "" {
			reason = "no reason recorded"
		}
		return fmt.Sprintf("🚫 You are banned from generating images. Reason: %s", reason)
	case v.Decision == moderation.Banned:
		return fmt.Sprintf("🚫 You have been banned from generating images for repeatedly using the banned word '%s'.", v.Word)
	case v.Decision == moderation.Warned:
		return fmt.Sprintf("⚠️ WARNING %d/%d: your prompt contains the banned word '%s'. Further violations will result in a ban.",
			v.WarningCount, threshold, v.Word)
	}
	return ""
}

// CompletedCaption accompanies the delivered image
func CompletedCaption(req *queue.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Seed: %d", req.Seed)
	if req.Resolution != "" {
		fmt.Fprintf(&b, " | Resolution: %s", req.Resolution)
	}
	if req.UpscaleFactor > 1 {
		fmt.Fprintf(&b, " | Upscale: %dx", req.UpscaleFactor)
	}
	if len(req.Adapters) > 0 {
		fmt.Fprintf(&b, " | LoRA: %s", strings.Join(req.Adapters, ", "))
	}
	return b.String()
}

// FailureText describes a render failure to the user
func FailureText(err error) string {
	var failure *queue.RenderFailure
	switch {
	case errors.Is(err, queue.ErrRenderTimeout):
		return TimeoutText
	case errors.As(err, &failure):
		return "Image generation failed: " + failure.Detail
	}
	return GenericErrText
}

// UserMessage maps an error from Submit to the reply the user sees
func UserMessage(err error) string {
	var blocked *BlockedError
	switch {
	case errors.As(err, &blocked):
		return blocked.Text
	case errors.Is(err, ErrInvalidCreativity):
		return "Creativity must be between 1 and 10."
	case errors.Is(err, ErrEmptyPrompt):
		return "Please provide a prompt, for example: /imagine a cat in a spacesuit"
	case errors.Is(err, workflow.ErrUnknownResolution):
		return "Unknown resolution. Send /options to see the available ones."
	case errors.Is(err, workflow.ErrUnknownAdapter):
		return "Unknown LoRA. Send /options to see the available ones."
	case errors.Is(err, workflow.ErrInvalidUpscale):
		return "Upscale factor must be between 1 and 4."
	case errors.Is(err, queue.ErrQueueFull):
		return QueueFullText
	}
	return GenericErrText
}
