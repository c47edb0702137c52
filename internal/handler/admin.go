package handler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/moderation"
)

const timeLayout = "2006-01-02 15:04:05"

// handleAdmin runs the moderation admin commands; only configured admins may use them
func (h *Handler) handleAdmin(ctx context.Context, message telego.Message, command, args string) error {
	if !h.isAdmin(message.From.ID) {
		return h.reply(ctx, message, "You don't have permission to use this command.")
	}

	text, err := h.adminCommand(ctx, message, command, args)
	if err != nil {
		logger.Errorf("Admin command /%s failed: %v", command, err)
		text = fmt.Sprintf("An error occurred: %v", err)
	}
	return h.reply(ctx, message, text)
}

func (h *Handler) adminCommand(ctx context.Context, message telego.Message, command, args string) (string, error) {
	if command == "warnings" && strings.TrimSpace(args) == "" && message.ReplyToMessage == nil {
		return h.allWarnings(ctx)
	}

	switch command {
	case "words":
		words := h.gate.BannedWords()
		if len(words) == 0 {
			return "There are no banned words.", nil
		}
		return "Banned words: " + strings.Join(words, ", "), nil

	case "addword":
		word := strings.ToLower(strings.TrimSpace(args))
		if word == "" {
			return "Usage: /addword <word>", nil
		}
		if _, err := h.gate.AddBannedWord(ctx, word); err != nil {
			return "", err
		}
		return fmt.Sprintf("Added '%s' to the banned words list.", word), nil

	case "removeword":
		word := strings.ToLower(strings.TrimSpace(args))
		if word == "" {
			return "Usage: /removeword <word>", nil
		}
		removed, err := h.gate.RemoveBannedWord(ctx, word)
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("'%s' is not a banned word.", word), nil
		}
		return fmt.Sprintf("Removed '%s' from the banned words list.", word), nil

	case "bans":
		return h.listBans(ctx)

	case "stats":
		return h.DetailedStatus(), nil
	}

	userID, rest, ok := targetUser(message, args)
	if !ok {
		return fmt.Sprintf("Usage: /%s <user id> (or reply to the user's message)", command), nil
	}

	switch command {
	case "ban":
		if err := h.gate.Ban(ctx, userID, rest); err != nil {
			return "", err
		}
		reason := rest
		if reason == "" {
			reason = "banned by administrator"
		}
		return fmt.Sprintf("Banned %s from generating images. Reason: %s", userID, reason), nil

	case "unban":
		removed, err := h.gate.Unban(ctx, userID)
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("%s is not banned.", userID), nil
		}
		return fmt.Sprintf("Unbanned %s.", userID), nil

	case "whybanned":
		ban, err := h.gate.BanInfo(ctx, userID)
		if err != nil {
			return "", err
		}
		if ban == nil {
			return fmt.Sprintf("%s is not banned.", userID), nil
		}
		return fmt.Sprintf("%s was banned on %s for the following reason: %s",
			userID, ban.BannedAt.Format(timeLayout), ban.Reason), nil

	case "warnings":
		return h.userWarnings(ctx, userID)

	case "clearwarnings":
		n, err := h.gate.ClearWarnings(ctx, userID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Removed %d warnings from %s.", n, userID), nil
	}
	return "", fmt.Errorf("unhandled admin command /%s", command)
}

func (h *Handler) listBans(ctx context.Context) (string, error) {
	bans, err := h.gate.ListBans(ctx)
	if err != nil {
		return "", err
	}
	if len(bans) == 0 {
		return "There are no banned users.", nil
	}

	lines := make([]string, 0, len(bans))
	for _, b := range bans {
		lines = append(lines, fmt.Sprintf("User ID: %s, Reason: %s, Banned at: %s", b.UserID, b.Reason, b.BannedAt.Format(timeLayout)))
	}
	return "Banned users:\n" + strings.Join(lines, "\n"), nil
}

func (h *Handler) userWarnings(ctx context.Context, userID string) (string, error) {
	warnings, err := h.gate.Warnings(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(warnings) == 0 {
		return fmt.Sprintf("%s has no warnings.", userID), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Warnings for %s (%s):\n", userID, moderation.WarningStatus(len(warnings), h.gate.Threshold()))
	for i, w := range warnings {
		fmt.Fprintf(&b, "%d. %s  word '%s': %s\n", i+1, w.WarnedAt.Format(timeLayout), w.BannedWord, truncate(w.Prompt, 60))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// allWarnings lists every user with warnings
func (h *Handler) allWarnings(ctx context.Context) (string, error) {
	all, err := h.gate.AllWarnings(ctx)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "No users have warnings.", nil
	}

	users := make([]string, 0, len(all))
	for u := range all {
		users = append(users, u)
	}
	sort.Strings(users)

	var b strings.Builder
	b.WriteString("Users with warnings:\n")
	for _, u := range users {
		count := len(all[u])
		fmt.Fprintf(&b, "User ID: %s, Warnings: %d, Status: %s\n", u, count, moderation.WarningStatus(count, h.gate.Threshold()))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// targetUser takes the user from the replied-to message, or from the first argument
func targetUser(message telego.Message, args string) (string, string, bool) {
	args = strings.TrimSpace(args)
	if reply := message.ReplyToMessage; reply != nil && reply.From != nil {
		return userKey(reply.From.ID), args, true
	}

	first, rest, _ := strings.Cut(args, " ")
	if _, err := strconv.ParseInt(first, 10, 64); err != nil {
		return "", "", false
	}
	return first, strings.TrimSpace(rest), true
}
