package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	"github.com/sourcegraph/conc/pool"

	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/moderation"
)

// maxNotifyWorkers bounds concurrent DMs per notification
const maxNotifyWorkers = 4

// API is the part of the Telegram client the bot package uses; *telego.Bot implements it
type API interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
	GetChat(ctx context.Context, params *telego.GetChatParams) (*telego.ChatFullInfo, error)
}

var _ API = (*telego.Bot)(nil)

// AdminNotifier sends moderation events to every configured admin by private message
type AdminNotifier struct {
	api    API
	admins []int64
}

func NewAdminNotifier(api API, admins []int64) *AdminNotifier {
	return &AdminNotifier{api: api, admins: admins}
}

var _ moderation.Notifier = (*AdminNotifier)(nil)

func (n *AdminNotifier) Notify(ctx context.Context, note moderation.Notification) error {
	if len(n.admins) == 0 {
		logger.Debugf("No admins configured, dropping notification about user %s", note.UserID)
		return nil
	}

	text := n.format(ctx, note)

	p := pool.New().WithContext(ctx).WithMaxGoroutines(maxNotifyWorkers)
	for _, adminID := range n.admins {
		p.Go(func(ctx context.Context) error {
			_, err := n.api.SendMessage(ctx, &telego.SendMessageParams{
				ChatID:    telego.ChatID{ID: adminID},
				Text:      text,
				ParseMode: telego.ModeHTML,
			})
			if err != nil {
				// admins who never started the bot cannot be messaged
				return fmt.Errorf("admin %d: %w", adminID, err)
			}
			return nil
		})
	}
	return p.Wait()
}

func (n *AdminNotifier) format(ctx context.Context, note moderation.Notification) string {
	var b strings.Builder
	if note.IsWarning {
		fmt.Fprintf(&b, "⚠️ Warning %d/%d NOTIFICATION:\n", note.WarningCount, note.Threshold)
	} else {
		b.WriteString("🚫 BAN NOTIFICATION:\n")
	}

	fmt.Fprintf(&b, "User: %s (ID: %s)\n", n.linkedUserName(ctx, note.UserID), html.EscapeString(note.UserID))
	fmt.Fprintf(&b, "Prompt: %s\n", html.EscapeString(note.Prompt))

	word := note.BannedWord
	if word == "" {
		word = "none, user was already banned"
	}
	fmt.Fprintf(&b, "Banned Word: %s", html.EscapeString(word))
	return b.String()
}

// linkedUserName renders the user's name as a tg:// link, falling back to the bare id
func (n *AdminNotifier) linkedUserName(ctx context.Context, userID string) string {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return html.EscapeString(userID)
	}

	name := userID
	info, err := n.api.GetChat(ctx, &telego.GetChatParams{ChatID: telego.ChatID{ID: id}})
	if err != nil {
		logger.Debugf("Error getting user info for %d: %v", id, err)
	} else {
		name = strings.TrimSpace(info.FirstName + " " + info.LastName)
		if name == "" {
			name = info.Username
		}
	}

	return fmt.Sprintf("<a href=\"tg://user?id=%d\">%s</a>", id, html.EscapeString(name))
}
