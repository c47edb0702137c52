package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mymmrac/telego"

	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/service"
)

const historyLimit = 5

const helpText = `Generate images from text.

/imagine <prompt> [options]
  --ratio <name>       aspect ratio, see /options
  --lora <a,b>         style adapters, see /options
  --upscale <1-4>      upscale factor
  --seed <number>      reuse a seed
  --creativity <1-10>  let the AI rewrite the prompt (1 = as written)

/options  list ratios and LoRAs
/queue    show the queue
/history  your recent images
/cancel   cancel your latest request`

func (h *Handler) handleImagine(ctx context.Context, message telego.Message, args string) error {
	if !h.chatAllowed(message.Chat.ID) {
		return h.reply(ctx, message, "This command can only be used in specific chats.")
	}

	userID := userKey(message.From.ID)
	if left := h.cooldowns.Remaining(userID); left > 0 {
		return h.reply(ctx, message, fmt.Sprintf("Please wait %d seconds before using /imagine again.", int(math.Ceil(left.Seconds()))))
	}

	opts, err := parseImagine(args)
	if err != nil {
		return h.reply(ctx, message, err.Error())
	}
	h.cooldowns.Touch(userID)

	opts.UserID = userID
	opts.ChannelID = userKey(message.Chat.ID)
	opts.ReplyTo = fmt.Sprint(message.MessageID)

	h.stats.submissions.Add(1)
	out, err := h.orch.Submit(ctx, opts)
	if err != nil {
		if errors.Is(err, service.ErrModerationBlocked) {
			h.stats.blocked.Add(1)
		} else {
			logger.Warningf("Submission from user %s failed: %v", userID, err)
			h.cooldowns.Remove(userID)
		}
		return h.reply(ctx, message, service.UserMessage(err))
	}

	if !out.Queued {
		// the status message already says why
		h.cooldowns.Remove(userID)
	}
	return nil
}

func (h *Handler) handleOptions(ctx context.Context, message telego.Message) error {
	catalog := h.catalog.Catalog()

	names := make([]string, 0, len(catalog.Resolutions))
	for name := range catalog.Resolutions {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Ratios:\n")
	for _, name := range names {
		r := catalog.Resolutions[name]
		marker := ""
		if name == catalog.DefaultResolution {
			marker = " (default)"
		}
		fmt.Fprintf(&b, "  %s: %dx%d%s\n", name, r.Width, r.Height, marker)
	}

	if len(catalog.AdapterOrder) == 0 {
		b.WriteString("\nNo LoRAs available.")
		return h.reply(ctx, message, b.String())
	}
	b.WriteString("\nLoRAs:\n")
	for _, name := range catalog.AdapterOrder {
		a := catalog.Adapters[name]
		if a.Trigger != "" {
			fmt.Fprintf(&b, "  %s (adds \"%s\")\n", name, a.Trigger)
			continue
		}
		fmt.Fprintf(&b, "  %s\n", name)
	}
	return h.reply(ctx, message, strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) handleHistory(ctx context.Context, message telego.Message) error {
	records, err := h.orch.History(ctx, userKey(message.From.ID), historyLimit)
	if err != nil {
		logger.Errorf("Failed to load history for user %d: %v", message.From.ID, err)
		return h.reply(ctx, message, service.GenericErrText)
	}
	if len(records) == 0 {
		return h.reply(ctx, message, "You have no generations yet.")
	}

	var b strings.Builder
	b.WriteString("Your recent generations:\n")
	for _, rec := range records {
		fmt.Fprintf(&b, "\n%s  %s  seed %d\n  %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04"), rec.Status, rec.Seed, truncate(rec.Prompt, 80))
	}
	return h.reply(ctx, message, strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) handleCancel(ctx context.Context, message telego.Message, args string) error {
	requestID := strings.TrimSpace(args)

	var cancelled bool
	if requestID != "" && h.isAdmin(message.From.ID) {
		cancelled = h.orch.Cancel(requestID)
	} else {
		cancelled = h.orch.CancelOwned(userKey(message.From.ID), requestID)
	}

	if !cancelled {
		return h.reply(ctx, message, "You have no request to cancel.")
	}
	return h.reply(ctx, message, "Cancellation requested.")
}
