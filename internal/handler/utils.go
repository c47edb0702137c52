package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mymmrac/telego"

	"tg-imagebot/internal/service"
)

// ErrBadOption is wrapped by every /imagine option parsing error
var ErrBadOption = errors.New("invalid option")

// reply answers message in its chat
func (h *Handler) reply(ctx context.Context, message telego.Message, text string) error {
	_, err := h.api.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: message.Chat.ID},
		Text:   text,
		ReplyParameters: &telego.ReplyParameters{
			MessageID:                message.MessageID,
			AllowSendingWithoutReply: true,
		},
	})
	return err
}

// parseCommand splits "/cmd@bot args" into the lower-cased command and the rest
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}

	head, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		rest = head[i+1:] + " " + rest
		head = head[:i]
	}
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest)
}

type optionError struct {
	msg string
}

func (e *optionError) Error() string { return e.msg }

func (e *optionError) Unwrap() error { return ErrBadOption }

func badOption(format string, args ...any) error {
	return &optionError{msg: fmt.Sprintf(format, args...)}
}

// parseImagine reads the prompt and --options of /imagine. Options may appear
// anywhere and take the forms "--name value" and "--name=value".
func parseImagine(args string) (service.Submission, error) {
	var (
		sub    service.Submission
		prompt []string
	)

	tokens := strings.Fields(args)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !strings.HasPrefix(tok, "--") || len(tok) == 2 {
			prompt = append(prompt, tok)
			continue
		}

		name, value, inline := strings.Cut(tok[2:], "=")
		if !inline {
			if i+1 >= len(tokens) {
				return sub, badOption("Option --%s needs a value.", name)
			}
			i++
			value = tokens[i]
		}

		switch strings.ToLower(name) {
		case "ratio", "ar", "resolution":
			sub.Resolution = value

		case "lora", "loras", "adapters":
			for _, a := range strings.Split(value, ",") {
				if a = strings.TrimSpace(a); a != "" {
					sub.Adapters = append(sub.Adapters, a)
				}
			}

		case "upscale":
			n, err := strconv.Atoi(value)
			if err != nil {
				return sub, badOption("Upscale factor must be a number between 1 and 4.")
			}
			sub.UpscaleFactor = n

		case "seed":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return sub, badOption("Seed must be a non-negative number.")
			}
			sub.Seed = &n

		case "creativity":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > 10 {
				return sub, badOption("Creativity must be between 1 and 10.")
			}
			sub.Creativity = n

		default:
			return sub, badOption("Unknown option --%s. Send /help for usage.", name)
		}
	}

	sub.Prompt = strings.Join(prompt, " ")
	if sub.Prompt == "" {
		return sub, badOption("%s", service.UserMessage(service.ErrEmptyPrompt))
	}
	return sub, nil
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
