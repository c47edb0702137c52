package workflow_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-imagebot/internal/config"
	"tg-imagebot/internal/workflow"
)

const template = `{
  "5":  {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}},
  "6":  {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["30", 1]}},
  "25": {"class_type": "RandomNoise", "inputs": {"noise_seed": 0}},
  "30": {"class_type": "Power Lora Loader (rgthree)", "inputs": {"model": ["12", 0]}},
  "40": {"class_type": "ImageScaleBy", "inputs": {"scale_by": 1}}
}`

var nodes = config.NodeMap{
	Prompt:  config.NodeInput{Node: "6", Input: "text"},
	Width:   config.NodeInput{Node: "5", Input: "width"},
	Height:  config.NodeInput{Node: "5", Input: "height"},
	Seed:    config.NodeInput{Node: "25", Input: "noise_seed"},
	Upscale: config.NodeInput{Node: "40", Input: "scale_by"},
	Adapter: "30",
}

func newBuilder(t *testing.T) *workflow.Builder {
	t.Helper()

	catalog := workflow.CatalogFromConfig(config.GenerationConfig{
		DefaultResolution: "1:1",
		Resolutions: map[string]config.Resolution{
			"1:1":  {Width: 1024, Height: 1024},
			"16:9": {Width: 1344, Height: 768},
		},
		Adapters: []config.Adapter{
			{Name: "anime", File: "anime.safetensors", Trigger: "anime style", Strength: 0.8},
			{Name: "film", File: "film.safetensors", Trigger: "35mm film"},
			{Name: "detail", File: "detail.safetensors"},
		},
	})

	b, err := workflow.NewBuilder([]byte(template), nodes, catalog)
	require.NoError(t, err)
	return b
}

func inputs(t *testing.T, job *workflow.Job, node string) map[string]any {
	t.Helper()
	n, ok := job.Nodes[node].(map[string]any)
	require.True(t, ok)
	in, ok := n["inputs"].(map[string]any)
	require.True(t, ok)
	return in
}

func seed(v int64) *int64 { return &v }

func TestBuild(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)

	job, err := b.Build(workflow.Params{
		Prompt:        "a lighthouse at dusk",
		Resolution:    "16:9",
		Adapters:      []string{"anime", "detail", "film"},
		UpscaleFactor: 2,
		Seed:          seed(1234),
	})
	require.NoError(t, err)

	assert.Equal(t, "a lighthouse at dusk, anime style, 35mm film", job.Prompt)
	assert.Equal(t, 1344, job.Width)
	assert.Equal(t, 768, job.Height)
	assert.Equal(t, int64(1234), job.Seed)
	assert.Equal(t, []string{"anime", "detail", "film"}, job.Adapters)

	assert.Equal(t, job.Prompt, inputs(t, job, "6")["text"])
	assert.Equal(t, 1344, inputs(t, job, "5")["width"])
	assert.Equal(t, 768, inputs(t, job, "5")["height"])
	assert.Equal(t, int64(1234), inputs(t, job, "25")["noise_seed"])
	assert.Equal(t, 2, inputs(t, job, "40")["scale_by"])

	loader := inputs(t, job, "30")
	assert.Equal(t, map[string]any{"on": true, "lora": "anime.safetensors", "strength": 0.8}, loader["lora_1"])
	assert.Equal(t, map[string]any{"on": true, "lora": "detail.safetensors", "strength": 1.0}, loader["lora_2"])
	assert.Equal(t, map[string]any{"on": true, "lora": "film.safetensors", "strength": 1.0}, loader["lora_3"])
}

func TestBuildIsSelfContained(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)

	first, err := b.Build(workflow.Params{Prompt: "one", Seed: seed(1)})
	require.NoError(t, err)
	inputs(t, first, "6")["text"] = "mutated"

	second, err := b.Build(workflow.Params{Prompt: "two", Seed: seed(2)})
	require.NoError(t, err)
	assert.Equal(t, "two", inputs(t, second, "6")["text"])
	assert.Equal(t, "1:1", second.Resolution)

	raw, err := second.JSON()
	require.NoError(t, err)

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "EmptyLatentImage", decoded["5"]["class_type"])
	assert.Contains(t, decoded, "30")
}

func TestBuildTriggerDedup(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)

	params := workflow.Params{Prompt: "a cat", Adapters: []string{"anime", "anime", "film"}, Seed: seed(7)}
	first, err := b.Build(params)
	require.NoError(t, err)

	// resubmitting the enhanced prompt with the same adapters adds nothing
	params.Prompt = first.Prompt
	second, err := b.Build(params)
	require.NoError(t, err)

	assert.Equal(t, first.Prompt, second.Prompt)
	assert.Equal(t, 1, strings.Count(second.Prompt, "anime style"))
	assert.Equal(t, []string{"anime", "film"}, second.Adapters)

	third, err := b.Build(workflow.Params{Prompt: "ANIME STYLE portrait", Adapters: []string{"anime"}, Seed: seed(7)})
	require.NoError(t, err)
	assert.Equal(t, "ANIME STYLE portrait", third.Prompt)
}

func TestBuildRandomSeed(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)

	job, err := b.Build(workflow.Params{Prompt: "x"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, job.Seed, int64(0))
	assert.Less(t, job.Seed, int64(1<<32))
	assert.Equal(t, job.Seed, inputs(t, job, "25")["noise_seed"])
	assert.Equal(t, 1, job.Upscale)
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)

	tests := []struct {
		name   string
		params workflow.Params
		err    error
	}{
		{name: "resolution", params: workflow.Params{Resolution: "4:3"}, err: workflow.ErrUnknownResolution},
		{name: "adapter", params: workflow.Params{Adapters: []string{"missing"}}, err: workflow.ErrUnknownAdapter},
		{name: "upscale high", params: workflow.Params{UpscaleFactor: 5}, err: workflow.ErrInvalidUpscale},
		{name: "upscale negative", params: workflow.Params{UpscaleFactor: -1}, err: workflow.ErrInvalidUpscale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(tt.params)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestNewBuilderRejectsMissingNode(t *testing.T) {
	t.Parallel()

	broken := nodes
	broken.Seed = config.NodeInput{Node: "99", Input: "noise_seed"}
	_, err := workflow.NewBuilder([]byte(template), broken, nil)
	assert.ErrorIs(t, err, workflow.ErrTemplate)

	_, err = workflow.NewBuilder([]byte("not json"), nodes, nil)
	assert.ErrorIs(t, err, workflow.ErrTemplate)
}

func TestSetCatalog(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)

	b.SetCatalog(workflow.CatalogFromConfig(config.GenerationConfig{
		DefaultResolution: "2:3",
		Resolutions:       map[string]config.Resolution{"2:3": {Width: 832, Height: 1216}},
	}))

	job, err := b.Build(workflow.Params{Prompt: "x", Seed: seed(1)})
	require.NoError(t, err)
	assert.Equal(t, 832, job.Width)

	_, err = b.Build(workflow.Params{Prompt: "x", Adapters: []string{"anime"}})
	assert.ErrorIs(t, err, workflow.ErrUnknownAdapter)
}
