package handler

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"

	"tg-imagebot/internal/bot"
	"tg-imagebot/internal/config"
	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/models"
	"tg-imagebot/internal/moderation"
	"tg-imagebot/internal/service"
	"tg-imagebot/internal/workflow"
)

// CatalogSource exposes the current resolutions and adapters
type CatalogSource interface {
	Catalog() *workflow.Catalog
}

// access is swapped as a whole on config reload
type access struct {
	admins  map[int64]bool
	allowed map[int64]bool
}

// Handler routes chat commands to the orchestrator and the moderation admin surface
type Handler struct {
	api       bot.API
	orch      *service.Orchestrator
	gate      *moderation.Gate
	catalog   CatalogSource
	cooldowns *models.CooldownManager
	access    atomic.Pointer[access]
	stats     *Stats

	wg sync.WaitGroup
}

func New(api bot.API, orch *service.Orchestrator, gate *moderation.Gate, catalog CatalogSource, cfg config.BotConfig) *Handler {
	h := &Handler{
		api:       api,
		orch:      orch,
		gate:      gate,
		catalog:   catalog,
		cooldowns: models.NewCooldownManager(cfg.Cooldown),
		stats:     newStats(),
	}
	h.SetAccess(cfg.AdminIDs, cfg.AllowedChats)
	return h
}

// SetAccess replaces the admin list and the chats /imagine may be used in.
// An empty allowed list permits every chat.
func (h *Handler) SetAccess(admins, allowedChats []int64) {
	a := &access{
		admins:  make(map[int64]bool, len(admins)),
		allowed: make(map[int64]bool, len(allowedChats)),
	}
	for _, id := range admins {
		a.admins[id] = true
	}
	for _, id := range allowedChats {
		a.allowed[id] = true
	}
	h.access.Store(a)
}

// SetupMessageHandlers registers the command handler on the bot
func (h *Handler) SetupMessageHandlers(bh *th.BotHandler) {
	bh.HandleMessage(func(ctx *th.Context, message telego.Message) error {
		return h.Dispatch(ctx, message)
	}, th.AnyCommand())
}

// Dispatch handles one command message
func (h *Handler) Dispatch(ctx context.Context, message telego.Message) error {
	if message.From == nil || message.From.IsBot {
		return nil
	}

	h.wg.Add(1)
	defer h.wg.Done()
	h.stats.commands.Add(1)

	command, args := parseCommand(message.Text)
	logger.Debugf("Command /%s from user %d in chat %d", command, message.From.ID, message.Chat.ID)

	var err error
	switch command {
	case "imagine", "comfy":
		err = h.handleImagine(ctx, message, args)
	case "options":
		err = h.handleOptions(ctx, message)
	case "queue":
		err = h.reply(ctx, message, h.orch.QueueReport())
	case "history":
		err = h.handleHistory(ctx, message)
	case "cancel":
		err = h.handleCancel(ctx, message, args)
	case "start", "help":
		err = h.reply(ctx, message, helpText)

	case "ban", "unban", "whybanned", "bans", "warnings", "clearwarnings",
		"addword", "removeword", "words", "stats":
		err = h.handleAdmin(ctx, message, command, args)

	default:
		return nil
	}

	if err != nil {
		h.stats.errors.Add(1)
		logger.Warningf("Command /%s from user %d failed: %v", command, message.From.ID, err)
	}
	return err
}

// WaitForHandlers waits for running commands to finish, up to timeout
func (h *Handler) WaitForHandlers(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (h *Handler) isAdmin(userID int64) bool {
	return h.access.Load().admins[userID]
}

func (h *Handler) chatAllowed(chatID int64) bool {
	allowed := h.access.Load().allowed
	return len(allowed) == 0 || allowed[chatID]
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
