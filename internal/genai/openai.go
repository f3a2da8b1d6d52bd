// Package genai adapts the OpenAI API to the text and image generation
// interfaces used by the content and media pipelines.
package genai

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var (
	// ErrGeneration wraps transport and quota failures of the text backend.
	ErrGeneration = errors.New("text generation failed")
	// ErrImage wraps failures of the image backend.
	ErrImage = errors.New("image generation failed")
)

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string // chat model, e.g. "gpt-4o"
	ImageModel string // e.g. "dall-e-3"
	MaxRetries int    // SDK-level retries; the content pipeline retries on its own
}

func (c Config) options() ([]option.RequestOption, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("openai api key missing")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(c.APIKey),
		option.WithMaxRetries(max(c.MaxRetries, 0)),
	}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	return opts, nil
}

// OpenAIText implements content.TextGenerator with chat completions.
type OpenAIText struct {
	client openai.Client
	model  string
}

func NewText(cfg Config) (*OpenAIText, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.ChatModelGPT4o)
	}
	return &OpenAIText{client: openai.NewClient(opts...), model: model}, nil
}

func (o *OpenAIText) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	})
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "chat completion"), ErrGeneration)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Mark(errors.New("openai: empty choices"), ErrGeneration)
	}
	return resp.Choices[0].Message.Content, nil
}

// OpenAIImages implements media.ImageGenerator.
type OpenAIImages struct {
	client openai.Client
	model  string
}

func NewImages(cfg Config) (*OpenAIImages, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	model := cfg.ImageModel
	if model == "" {
		model = string(openai.ImageModelDallE3)
	}
	return &OpenAIImages{client: openai.NewClient(opts...), model: model}, nil
}

// CreateFrom generates a new image illustrating the post text and returns its URL.
func (o *OpenAIImages) CreateFrom(ctx context.Context, postText string) (string, error) {
	prompt := "Create an engaging image to visually represent this social media post: \"" + postText +
		"\". It should match the theme and avoid text in the image."
	res, err := o.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(o.model),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize1024x1024,
	})
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "images generate"), ErrImage)
	}
	return firstURL(res)
}

// VariantFrom uploads the seed image at path and returns the URL of a variation.
func (o *OpenAIImages) VariantFrom(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "open seed image"), ErrImage)
	}
	defer f.Close()

	res, err := o.client.Images.NewVariation(ctx, openai.ImageNewVariationParams{
		Image: f,
		Model: openai.ImageModelDallE2,
		N:     openai.Int(1),
		Size:  openai.ImageNewVariationParamsSize1024x1024,
	})
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "images variation"), ErrImage)
	}
	return firstURL(res)
}

func firstURL(res *openai.ImagesResponse) (string, error) {
	if res == nil || len(res.Data) == 0 || res.Data[0].URL == "" {
		return "", errors.Mark(errors.New("openai: no image url"), ErrImage)
	}
	return res.Data[0].URL, nil
}
