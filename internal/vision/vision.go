// Package vision wraps a multimodal chat model behind the capability the
// AI workers need: describe an image, tag it, and pull any visible text.
// A provider switch (ark/openai/deepseek) selects the backend; image
// input rides eino's ChatMessagePart image parts.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"mediaindex/config"
)

const (
	arkProvider      = "ark"
	openAIProvider   = "openai"
	deepseekProvider = "deepseek"
)

// Result is the structured output of one vision call, stored on the
// asset's visual_analysis document.
type Result struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	OCRText     string    `json:"ocr_text"`
	ModelName   string   `json:"-"`
	ModelVersion string  `json:"-"`
}

// ChatModel is the subset of eino's model.ToolCallingChatModel this
// package needs.
type ChatModel interface {
	Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Service analyzes images with a configured multimodal provider. Logged
// with zap, the structured logger reserved for components that call out
// to a remote model API.
type Service struct {
	cfg    config.VisionConfig
	logger *zap.Logger
}

func NewService(cfg config.VisionConfig) *Service {
	return &Service{cfg: cfg, logger: zap.NewNop()}
}

// NewServiceWithLogger is NewService with an explicit zap logger, for
// callers (cmd/worker) that want vision calls to land in the same
// structured log sink as the rest of the process.
func NewServiceWithLogger(cfg config.VisionConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, logger: logger}
}

func (s *Service) newChatModel(ctx context.Context) (ChatModel, error) {
	switch strings.ToLower(s.cfg.Provider) {
	case openAIProvider:
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:  s.cfg.APIKey,
			Model:   s.cfg.Model,
			BaseURL: s.cfg.BaseURL,
		})
	case deepseekProvider:
		return deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			APIKey: s.cfg.APIKey,
			Model:  s.cfg.Model,
		})
	case arkProvider:
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey: s.cfg.APIKey,
			Model:  s.cfg.Model,
		})
	default:
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey: s.cfg.APIKey,
			Model:  s.cfg.Model,
		})
	}
}

const systemPrompt = `You are an image indexing assistant. Given one image, respond with a
single JSON object and nothing else, shaped exactly as:
{"description": "<one or two sentence description>", "tags": ["tag1", "tag2"], "ocr_text": "<any visible text, or empty string>"}`

// Analyze sends one image (already-encoded bytes, e.g. the asset's proxy)
// to the configured vision model and parses its structured response.
func (s *Service) Analyze(ctx context.Context, imageBytes []byte, mimeType string) (Result, error) {
	cm, err := s.newChatModel(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("create vision chat model: %w", err)
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageBytes))

	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		{
			Role: schema.User,
			MultiContent: []schema.ChatMessagePart{
				{Type: schema.ChatMessagePartTypeText, Text: "Describe this image."},
				{
					Type: schema.ChatMessagePartTypeImageURL,
					ImageURL: &schema.ChatMessageImageURL{
						URL: dataURL,
					},
				},
			},
		},
	}

	resp, err := cm.Generate(ctx, messages)
	if err != nil {
		s.logger.Error("vision model generate failed",
			zap.String("provider", s.cfg.Provider), zap.String("model", s.cfg.Model), zap.Error(err))
		return Result{}, fmt.Errorf("vision model generate: %w", err)
	}

	result, parseErr := parseResult(resp.Content)
	if parseErr != nil {
		// Not every model obeys the JSON instruction; degrade gracefully
		// to a raw-description result rather than failing the asset.
		s.logger.Warn("vision response was not well-formed JSON, falling back to raw description",
			zap.String("model", s.cfg.Model), zap.Error(parseErr))
		result = Result{Description: strings.TrimSpace(resp.Content)}
	}
	result.ModelName = s.cfg.Model
	s.logger.Info("vision analysis complete",
		zap.String("model", s.cfg.Model), zap.Int("tags", len(result.Tags)), zap.Int("description_len", len(result.Description)))
	return result, nil
}

func parseResult(content string) (Result, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return Result{}, fmt.Errorf("vision: no JSON object in response")
	}
	var r Result
	if err := json.Unmarshal([]byte(content[start:end+1]), &r); err != nil {
		return Result{}, fmt.Errorf("vision: parse JSON response: %w", err)
	}
	return r, nil
}
