package handler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-imagebot/internal/bot"
	"tg-imagebot/internal/config"
	"tg-imagebot/internal/handler"
	"tg-imagebot/internal/moderation"
	"tg-imagebot/internal/queue"
	"tg-imagebot/internal/service"
	"tg-imagebot/internal/storage"
	"tg-imagebot/internal/workflow"
)

const (
	adminID = 1
	userID  = 42
	chatID  = -100
)

const template = `{
  "5":  {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}},
  "6":  {"class_type": "CLIPTextEncode", "inputs": {"text": ""}},
  "25": {"class_type": "RandomNoise", "inputs": {"noise_seed": 0}},
  "30": {"class_type": "Power Lora Loader (rgthree)", "inputs": {}},
  "40": {"class_type": "ImageScaleBy", "inputs": {"scale_by": 1}}
}`

type fakeAPI struct {
	mu       sync.Mutex
	messages []telego.SendMessageParams
	nextID   int
}

func (f *fakeAPI) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, *params)
	f.nextID++
	return &telego.Message{MessageID: f.nextID}, nil
}

func (f *fakeAPI) EditMessageText(_ context.Context, params *telego.EditMessageTextParams) (*telego.Message, error) {
	return &telego.Message{MessageID: params.MessageID}, nil
}

func (f *fakeAPI) SendPhoto(context.Context, *telego.SendPhotoParams) (*telego.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeAPI) DeleteMessage(context.Context, *telego.DeleteMessageParams) error { return nil }

func (f *fakeAPI) GetChat(context.Context, *telego.GetChatParams) (*telego.ChatFullInfo, error) {
	return nil, errors.New("Bad Request: chat not found")
}

func (f *fakeAPI) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1].Text
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeQueue struct {
	mu       sync.Mutex
	requests []*queue.Request
}

func (q *fakeQueue) Enqueue(req *queue.Request) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	return len(q.requests), nil
}

func (q *fakeQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.requests {
		if r.ID == id {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fakeQueue) Snapshot() []queue.Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	infos := make([]queue.Info, 0, len(q.requests))
	for i, r := range q.requests {
		infos = append(infos, queue.Info{ID: r.ID, UserID: r.UserID, Status: "pending", Position: i + 1})
	}
	return infos
}

type fixture struct {
	api   *fakeAPI
	queue *fakeQueue
	h     *handler.Handler
}

func newFixture(t *testing.T, botCfg config.BotConfig) *fixture {
	t.Helper()

	catalog := workflow.CatalogFromConfig(config.GenerationConfig{
		DefaultResolution: "1:1",
		Resolutions: map[string]config.Resolution{
			"1:1":  {Width: 1024, Height: 1024},
			"16:9": {Width: 1344, Height: 768},
		},
		Adapters: []config.Adapter{{Name: "anime", File: "anime.safetensors", Trigger: "anime style"}},
	})
	builder, err := workflow.NewBuilder([]byte(template), config.NodeMap{
		Prompt:  config.NodeInput{Node: "6", Input: "text"},
		Width:   config.NodeInput{Node: "5", Input: "width"},
		Height:  config.NodeInput{Node: "5", Input: "height"},
		Seed:    config.NodeInput{Node: "25", Input: "noise_seed"},
		Upscale: config.NodeInput{Node: "40", Input: "scale_by"},
		Adapter: "30",
	}, catalog)
	require.NoError(t, err)

	f := &fixture{api: &fakeAPI{}, queue: &fakeQueue{}}
	store := storage.NewMemoryStore()
	gate := moderation.NewGate(store, moderation.NewWordFilter([]string{"xyz"}), nil, moderation.GateConfig{Threshold: 2})
	orch := service.NewOrchestrator(gate, nil, builder, bot.NewChatPresenter(f.api, time.Second), store,
		service.Options{DefaultCreativity: 1})
	orch.AttachQueue(f.queue)

	if botCfg.AdminIDs == nil {
		botCfg.AdminIDs = []int64{adminID}
	}
	f.h = handler.New(f.api, orch, gate, builder, botCfg)
	return f
}

func (f *fixture) send(t *testing.T, from int64, text string) string {
	t.Helper()
	before := f.api.count()
	err := f.h.Dispatch(context.Background(), telego.Message{
		MessageID: 7,
		From:      &telego.User{ID: from},
		Chat:      telego.Chat{ID: chatID},
		Text:      text,
	})
	require.NoError(t, err)
	if f.api.count() == before {
		return ""
	}
	return f.api.last()
}

func TestDispatchImagineQueues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{})

	reply := f.send(t, userID, "/imagine@ImageBot a cat --ratio 16:9 --seed 7")
	assert.Equal(t, service.ProgressText(0), reply)

	require.Len(t, f.queue.requests, 1)
	req := f.queue.requests[0]
	assert.Equal(t, "42", req.UserID)
	assert.Equal(t, "-100", req.ChannelID)
	assert.Equal(t, "a cat", req.Prompt)
	assert.Equal(t, "16:9", req.Resolution)
	assert.Equal(t, int64(7), req.Seed)

	status := f.api.messages[0]
	require.NotNil(t, status.ReplyParameters)
	assert.Equal(t, 7, status.ReplyParameters.MessageID)
}

func TestDispatchImagineCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{Cooldown: time.Minute})

	f.send(t, userID, "/imagine a cat")
	reply := f.send(t, userID, "/imagine a dog")

	assert.Contains(t, reply, "Please wait")
	assert.Len(t, f.queue.requests, 1)

	// another user is not affected
	f.send(t, 43, "/imagine a dog")
	assert.Len(t, f.queue.requests, 2)
}

func TestDispatchImagineRejectedClearsCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{Cooldown: time.Minute})

	reply := f.send(t, userID, "/imagine a cat --ratio 3:7")
	assert.Contains(t, reply, "Unknown resolution")

	reply = f.send(t, userID, "/imagine a cat")
	assert.Equal(t, service.ProgressText(0), reply)
}

func TestDispatchImagineModeration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{})

	reply := f.send(t, userID, "/imagine draw xyz")
	assert.Contains(t, reply, "WARNING 1/2")
	assert.Empty(t, f.queue.requests)

	f.send(t, userID, "/imagine draw xyz")
	reply = f.send(t, userID, "/imagine draw xyz")
	assert.Contains(t, reply, "You have been banned")

	reply = f.send(t, userID, "/imagine a harmless cat")
	assert.Contains(t, reply, "You are banned")
	assert.Empty(t, f.queue.requests)
}

func TestDispatchImagineAllowedChats(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{AllowedChats: []int64{-200}})

	reply := f.send(t, userID, "/imagine a cat")
	assert.Contains(t, reply, "specific chats")
	assert.Empty(t, f.queue.requests)

	f.h.SetAccess([]int64{adminID}, []int64{chatID})
	f.send(t, userID, "/imagine a cat")
	assert.Len(t, f.queue.requests, 1)
}

func TestDispatchOptions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{})

	reply := f.send(t, userID, "/options")
	assert.Contains(t, reply, "16:9: 1344x768")
	assert.Contains(t, reply, "1:1: 1024x1024 (default)")
	assert.Contains(t, reply, `anime (adds "anime style")`)
}

func TestDispatchQueueAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{})

	assert.Equal(t, "The queue is empty.", f.send(t, userID, "/queue"))

	f.send(t, userID, "/imagine a cat")
	assert.Contains(t, f.send(t, userID, "/queue"), "#1")

	assert.Equal(t, "You have no request to cancel.", f.send(t, 43, "/cancel"))
	assert.Equal(t, "Cancellation requested.", f.send(t, userID, "/cancel"))
	assert.Empty(t, f.queue.requests)
}

func TestDispatchAdminCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{})

	assert.Contains(t, f.send(t, userID, "/ban 5"), "permission")

	assert.Equal(t, "Banned 5 from generating images. Reason: spamming", f.send(t, adminID, "/ban 5 spamming"))
	assert.Contains(t, f.send(t, adminID, "/whybanned 5"), "spamming")
	assert.Contains(t, f.send(t, adminID, "/bans"), "User ID: 5, Reason: spamming")
	assert.Equal(t, "Unbanned 5.", f.send(t, adminID, "/unban 5"))
	assert.Equal(t, "5 is not banned.", f.send(t, adminID, "/unban 5"))

	assert.Contains(t, f.send(t, adminID, "/ban"), "Usage: /ban")

	assert.Equal(t, "Added 'dragon' to the banned words list.", f.send(t, adminID, "/addword Dragon"))
	assert.Equal(t, "Banned words: dragon, xyz", f.send(t, adminID, "/words"))
	assert.Contains(t, f.send(t, userID, "/imagine a dragon"), "WARNING 1/2")

	assert.Contains(t, f.send(t, adminID, "/warnings 42"), "word 'dragon'")
	assert.Contains(t, f.send(t, adminID, "/warnings"), "User ID: 42, Warnings: 1")
	assert.Equal(t, "Removed 1 warnings from 42.", f.send(t, adminID, "/clearwarnings 42"))
	assert.Equal(t, "No users have warnings.", f.send(t, adminID, "/warnings"))

	assert.Equal(t, "Removed 'dragon' from the banned words list.", f.send(t, adminID, "/removeword dragon"))
	assert.Equal(t, "'dragon' is not a banned word.", f.send(t, adminID, "/removeword dragon"))

	assert.Contains(t, f.send(t, adminID, "/stats"), "Commands:")
}

func TestDispatchAdminTargetsRepliedUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{})

	err := f.h.Dispatch(context.Background(), telego.Message{
		MessageID:      9,
		From:           &telego.User{ID: adminID},
		Chat:           telego.Chat{ID: chatID},
		Text:           "/ban rude",
		ReplyToMessage: &telego.Message{From: &telego.User{ID: 77}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Banned 77 from generating images. Reason: rude", f.api.last())
}

func TestDispatchIgnoresBotsAndUnknownCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{})

	err := f.h.Dispatch(context.Background(), telego.Message{
		From: &telego.User{ID: 99, IsBot: true},
		Chat: telego.Chat{ID: chatID},
		Text: "/imagine a cat",
	})
	require.NoError(t, err)
	assert.Empty(t, f.send(t, userID, "/unknown"))
	assert.Zero(t, f.api.count())
	assert.True(t, f.h.WaitForHandlers(time.Second))
}

func TestProcessingStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BotConfig{})

	f.send(t, userID, "/imagine a cat")
	f.send(t, userID, "/imagine xyz")

	stats := f.h.GetProcessingStats()
	assert.Equal(t, int64(2), stats["total_commands"])
	assert.Equal(t, int64(2), stats["total_submissions"])
	assert.Equal(t, int64(1), stats["total_blocked"])
	assert.Equal(t, int64(0), stats["total_errors"])
}
