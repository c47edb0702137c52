package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/service"
)

// maxPhotoBytes is Telegram's upload limit for photos
const maxPhotoBytes = 10 << 20

var ErrArtifactTooLarge = errors.New("artifact exceeds the photo size limit")

// ChatPresenter shows request state as Telegram messages. Images are fetched
// from the renderer and uploaded, since the renderer is usually not reachable
// from Telegram's servers.
type ChatPresenter struct {
	api  API
	http *http.Client
}

func NewChatPresenter(api API, fetchTimeout time.Duration) *ChatPresenter {
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &ChatPresenter{api: api, http: &http.Client{Timeout: fetchTimeout}}
}

var _ service.Presenter = (*ChatPresenter)(nil)

func (p *ChatPresenter) Announce(ctx context.Context, channelID, replyTo, text string) (string, error) {
	chatID, err := ChatID(channelID)
	if err != nil {
		return "", err
	}

	params := &telego.SendMessageParams{ChatID: chatID, Text: text}
	if id, err := strconv.Atoi(replyTo); err == nil {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: id, AllowSendingWithoutReply: true}
	}

	msg, err := p.api.SendMessage(ctx, params)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.MessageID), nil
}

func (p *ChatPresenter) Update(ctx context.Context, channelID, messageID, text string) error {
	chatID, err := ChatID(channelID)
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}

	_, err = p.api.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: id,
		Text:      text,
	})
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// Deliver uploads every artifact as a reply to the status message, then removes the status message
func (p *ChatPresenter) Deliver(ctx context.Context, channelID, messageID string, artifacts []string, caption string) error {
	chatID, err := ChatID(channelID)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return errors.New("nothing to deliver")
	}
	statusID, _ := strconv.Atoi(messageID)

	for i, artifact := range artifacts {
		data, name, err := p.fetch(ctx, artifact)
		if err != nil {
			return err
		}

		params := &telego.SendPhotoParams{
			ChatID: chatID,
			Photo:  tu.File(tu.NameReader(bytes.NewReader(data), name)),
		}
		if i == 0 {
			params.Caption = caption
		}
		if statusID > 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: statusID, AllowSendingWithoutReply: true}
		}
		if _, err := p.api.SendPhoto(ctx, params); err != nil {
			return fmt.Errorf("failed to send image %s: %w", name, err)
		}
	}

	if statusID > 0 {
		if err := p.api.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: chatID, MessageID: statusID}); err != nil {
			logger.Debugf("Failed to delete status message %d in chat %s: %v", statusID, channelID, err)
		}
	}
	return nil
}

func (p *ChatPresenter) fetch(ctx context.Context, artifact string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifact, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch artifact: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read artifact: %w", err)
	}
	if len(data) > maxPhotoBytes {
		return nil, "", ErrArtifactTooLarge
	}
	return data, artifactName(artifact), nil
}

// artifactName prefers the renderer's filename parameter over the URL path
func artifactName(artifact string) string {
	u, err := url.Parse(artifact)
	if err != nil {
		return "image.png"
	}
	if name := u.Query().Get("filename"); name != "" {
		return path.Base(name)
	}
	if base := path.Base(u.Path); base != "." && base != "/" {
		return base
	}
	return "image.png"
}
