// Chat model construction for the supported providers
package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einoModel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/loomchat/loomchat/pkg/config"
)

// BuildChatModel creates an eino chat model from config.
// Providers with OpenAI-compatible APIs are served by the "custom" provider
// with a base_url override.
func BuildChatModel(ctx context.Context, cfg *config.AppConfig) (einoModel.ToolCallingChatModel, error) {
	if cfg == nil {
		return nil, fmt.Errorf("model config is nil")
	}

	switch provider := cfg.ModelProvider(); provider {
	case "openai", "custom":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.ModelBaseURL(),
			APIKey:  cfg.ModelAPIKey(),
			Model:   cfg.ModelName(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return chatModel, nil

	case "deepseek":
		chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			BaseURL: cfg.ModelBaseURL(),
			APIKey:  cfg.ModelAPIKey(),
			Model:   cfg.ModelName(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DeepSeek model: %w", err)
		}
		return chatModel, nil

	case "anthropic":
		var baseURL *string
		if v := cfg.ModelBaseURL(); v != "" {
			baseURL = &v
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			BaseURL:   baseURL,
			APIKey:    cfg.ModelAPIKey(),
			Model:     cfg.ModelName(),
			MaxTokens: cfg.ModelMaxTokens(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return chatModel, nil

	case "ollama":
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: cfg.ModelBaseURL(),
			Model:   cfg.ModelName(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama model: %w", err)
		}
		return chatModel, nil

	case "google":
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.ModelAPIKey(),
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: genaiClient,
			Model:  cfg.ModelName(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini model: %w", err)
		}
		return chatModel, nil

	default:
		return nil, fmt.Errorf("unsupported model provider: %s", provider)
	}
}
