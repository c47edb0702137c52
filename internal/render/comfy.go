package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tg-imagebot/internal/config"
	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/queue"
)

const (
	maxMessageSize = 1 << 20
	eventBuffer    = 16
)

var ErrNoJob = errors.New("request carries no workflow job")

// ComfyClient renders jobs on a ComfyUI server. Progress arrives over the
// server's websocket; finished images are listed from the prompt history.
type ComfyClient struct {
	base     *url.URL
	http     *http.Client
	dialer   *websocket.Dialer
	clientID string
}

func NewComfyClient(cfg config.RendererConfig) (*ComfyClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid renderer base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("renderer base url must be http or https, got %q", cfg.BaseURL)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ComfyClient{
		base:     base,
		http:     &http.Client{Timeout: timeout},
		dialer:   &websocket.Dialer{HandshakeTimeout: timeout},
		clientID: uuid.NewString(),
	}, nil
}

type submitRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type submitResponse struct {
	PromptID   string         `json:"prompt_id"`
	NodeErrors map[string]any `json:"node_errors"`
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type progressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
}

type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type errorData struct {
	PromptID         string `json:"prompt_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

// Render connects to the progress stream, submits the job and follows it
// until the server reports it finished
func (c *ComfyClient) Render(ctx context.Context, req *queue.Request) (<-chan queue.Event, error) {
	if req.Job == nil {
		return nil, ErrNoJob
	}
	graph, err := req.Job.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to renderer websocket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	promptID, err := c.submit(ctx, graph)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Infof("Request %s submitted to renderer as prompt %s", req.ID, promptID)

	events := make(chan queue.Event, eventBuffer)
	go c.listen(ctx, conn, promptID, events)
	return events, nil
}

func (c *ComfyClient) submit(ctx context.Context, graph []byte) (string, error) {
	body, err := sonic.Marshal(submitRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/prompt", nil), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to submit prompt: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return "", fmt.Errorf("failed to read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &queue.RenderFailure{Detail: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var out submitResponse
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("invalid submit response: %w", err)
	}
	if out.PromptID == "" {
		return "", &queue.RenderFailure{Detail: "renderer returned no prompt id"}
	}
	return out.PromptID, nil
}

func (c *ComfyClient) listen(ctx context.Context, conn *websocket.Conn, promptID string, events chan<- queue.Event) {
	defer close(events)
	defer conn.Close()

	// unblock ReadMessage on cancellation
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
		c.interrupt(promptID)
	})
	defer stop()

	send := func(ev queue.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// the prompt is over; a later cancellation must not interrupt the next one
	finish := func(ev queue.Event) {
		stop()
		send(ev)
	}

	// every sampler counts from zero again; each new one starts a phase
	var (
		progressNode string
		phase        int
	)

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				finish(queue.Event{Kind: queue.EventError, Err: fmt.Errorf("renderer connection lost: %w", err)})
			}
			return
		}
		// binary frames carry preview images
		if msgType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			logger.Debugf("Ignoring malformed renderer message: %v", err)
			continue
		}

		switch msg.Type {
		case "progress":
			var d progressData
			if err := sonic.Unmarshal(msg.Data, &d); err != nil || d.Max <= 0 {
				continue
			}
			if d.PromptID != "" && d.PromptID != promptID {
				continue
			}
			if d.Node != "" && d.Node != progressNode {
				if progressNode != "" {
					phase++
				}
				progressNode = d.Node
			}
			if !send(queue.Event{Kind: queue.EventProgress, Progress: d.Value * 100 / d.Max, Phase: phase}) {
				return
			}

		case "executing":
			var d executingData
			if err := sonic.Unmarshal(msg.Data, &d); err != nil || d.PromptID != promptID || d.Node != nil {
				continue
			}
			artifacts, err := c.artifacts(ctx, promptID)
			if err != nil {
				finish(queue.Event{Kind: queue.EventError, Err: err})
				return
			}
			finish(queue.Event{Kind: queue.EventDone, Artifacts: artifacts})
			return

		case "execution_error":
			var d errorData
			if err := sonic.Unmarshal(msg.Data, &d); err != nil || d.PromptID != promptID {
				continue
			}
			detail := d.ExceptionMessage
			if d.NodeType != "" {
				detail = fmt.Sprintf("%s: %s", d.NodeType, detail)
			}
			finish(queue.Event{Kind: queue.EventError, Err: errors.New(strings.TrimSpace(detail))})
			return

		case "execution_interrupted":
			var d errorData
			if err := sonic.Unmarshal(msg.Data, &d); err != nil || d.PromptID != promptID {
				continue
			}
			finish(queue.Event{Kind: queue.EventError, Err: errors.New("execution interrupted")})
			return
		}
	}
}

// artifacts lists the output image URLs of a finished prompt
func (c *ComfyClient) artifacts(ctx context.Context, promptID string) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/history/"+url.PathEscape(promptID), nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request failed: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var history map[string]historyEntry
	if err := sonic.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("invalid history response: %w", err)
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("prompt %s missing from history", promptID)
	}

	nodes := make([]string, 0, len(entry.Outputs))
	for node := range entry.Outputs {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var urls []string
	for _, node := range nodes {
		for _, img := range entry.Outputs[node].Images {
			if img.Type != "" && img.Type != "output" {
				continue
			}
			urls = append(urls, c.endpoint("/view", url.Values{
				"filename":  {img.Filename},
				"subfolder": {img.Subfolder},
				"type":      {"output"},
			}))
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("prompt %s produced no images", promptID)
	}
	return urls, nil
}

// interrupt asks the server to stop the running prompt; best effort
func (c *ComfyClient) interrupt(promptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/interrupt", nil), nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		logger.Warningf("Failed to interrupt prompt %s: %v", promptID, err)
		return
	}
	resp.Body.Close()
}

func (c *ComfyClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *ComfyClient) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientID}}.Encode()
	return u.String()
}
