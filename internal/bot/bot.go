package bot

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"

	"tg-imagebot/internal/config"
	"tg-imagebot/internal/logger"
)

// BotService represents the Telegram bot service
type BotService struct {
	Bot     *telego.Bot
	Handler *th.BotHandler
}

// Start starts the bot handler; it blocks until Stop is called
func (b *BotService) Start() {
	b.Handler.Start()
}

// Stop stops the bot handler
func (b *BotService) Stop() {
	b.Handler.Stop()
}

// Initialize creates the bot and its update source. With a webhook endpoint
// configured updates arrive over the returned WebhookServer; otherwise the
// bot long-polls and the server is nil.
func Initialize(ctx context.Context, cfg *config.Config, status StatusFunc) (*BotService, *WebhookServer, error) {
	if cfg.Bot.Token == "" {
		return nil, nil, fmt.Errorf("bot token is required")
	}

	bot, err := telego.NewBot(cfg.Bot.Token, botOptions(cfg)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize bot: %w", err)
	}

	botUser, err := bot.GetMe(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get bot info: %w", err)
	}
	logger.Infof("Authorized on account %s", botUser.Username)

	setCommands(ctx, bot)

	if err := bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
		return nil, nil, fmt.Errorf("failed to delete existing webhook: %w", err)
	}

	if cfg.Bot.Webhook.Endpoint == "" {
		logger.Info("No webhook endpoint configured, using long polling")
		updates, err := bot.UpdatesViaLongPolling(ctx, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start long polling: %w", err)
		}
		bh, err := th.NewBotHandler(bot, updates)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create bot handler: %w", err)
		}
		return &BotService{Bot: bot, Handler: bh}, nil, nil
	}

	bh, server, err := SetupWebhook(ctx, bot, cfg.Bot.Webhook, secretToken(cfg.Bot.Token), status)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup webhook: %w", err)
	}

	return &BotService{
		Bot:     bot,
		Handler: bh,
	}, server, nil
}

func botOptions(cfg *config.Config) []telego.BotOption {
	if cfg.Logger.Level == "DEBUG" {
		return []telego.BotOption{telego.WithDefaultDebugLogger()}
	}
	return []telego.BotOption{telego.WithDefaultLogger(false, true)}
}

// secretToken derives the webhook secret from the bot token so restarts keep it stable
func secretToken(token string) string {
	suffix := token
	if len(token) > 6 {
		suffix = token[len(token)-6:]
	}
	return "imagebot_webhook_" + suffix
}

// setCommands publishes the command menu
func setCommands(ctx context.Context, bot *telego.Bot) {
	commands := []telego.BotCommand{
		{Command: "imagine", Description: "Generate an image from a prompt"},
		{Command: "options", Description: "List resolutions and LoRAs"},
		{Command: "queue", Description: "Show the generation queue"},
		{Command: "history", Description: "Show your recent generations"},
		{Command: "cancel", Description: "Cancel one of your requests"},
		{Command: "help", Description: "Show usage"},
	}

	if err := bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands}); err != nil {
		logger.Warningf("Failed to set bot commands: %v", err)
	}
}

// ChatID parses the string form used by the core packages
func ChatID(id string) (telego.ChatID, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("invalid chat id %q: %w", id, err)
	}
	return telego.ChatID{ID: n}, nil
}
