// Eino-backed agent implementation
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/adk"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/loomchat/loomchat/pkg/config"
)

const agentMaxIterations = 10

// EinoProvider builds eino agents from the configured chat model. The model
// client is constructed per Acquire so configuration problems surface as an
// unavailable agent instead of a request failure.
type EinoProvider struct {
	cfg    *config.AppConfig
	logger *slog.Logger
	tools  []tool.BaseTool
}

// NewEinoProvider creates a provider for the configured model. Tools are
// optional; when present the agent may route through them before answering.
func NewEinoProvider(cfg *config.AppConfig, logger *slog.Logger, tools ...tool.BaseTool) *EinoProvider {
	return &EinoProvider{cfg: cfg, logger: logger, tools: tools}
}

func (p *EinoProvider) Acquire(ctx context.Context) (Agent, error) {
	chatModel, err := BuildChatModel(ctx, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return &einoAgent{model: chatModel, tools: p.tools, logger: p.logger}, nil
}

type einoAgent struct {
	model  model.ToolCallingChatModel
	tools  []tool.BaseTool
	logger *slog.Logger
}

func (a *einoAgent) Invoke(ctx context.Context, history []Message, cfg InvokeConfig) (string, error) {
	instruction, msgs := splitHistory(history)
	if cfg.DirectResponse {
		return a.generate(ctx, instruction, msgs)
	}
	return a.run(ctx, instruction, msgs, cfg)
}

// generate asks the model directly, bypassing tool routing.
func (a *einoAgent) generate(ctx context.Context, instruction string, msgs []*schema.Message) (string, error) {
	input := msgs
	if instruction != "" {
		input = append([]*schema.Message{{Role: schema.System, Content: instruction}}, msgs...)
	}
	response, err := a.model.Generate(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}
	return response.Content, nil
}

// run drives a tool-capable agent, emitting token callbacks while streaming.
func (a *einoAgent) run(ctx context.Context, instruction string, msgs []*schema.Message, cfg InvokeConfig) (string, error) {
	runner, err := adk.NewChatModelAgent(ctx, &adk.ChatModelAgentConfig{
		Name:          "loomchat",
		Description:   "An assistant that answers chat messages, calling tools when they help",
		Instruction:   instruction,
		Model:         a.model,
		ToolsConfig:   adk.ToolsConfig{ToolsNodeConfig: compose.ToolsNodeConfig{Tools: a.tools}},
		MaxIterations: agentMaxIterations,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create agent: %w", err)
	}

	iter := runner.Run(ctx, &adk.AgentInput{Messages: msgs, EnableStreaming: cfg.Streaming})

	var full strings.Builder
	for {
		select {
		case <-ctx.Done():
			return full.String(), ctx.Err()
		default:
		}

		part, ok := iter.Next()
		if !ok {
			break
		}
		if part.Err != nil {
			return full.String(), fmt.Errorf("agent error: %w", part.Err)
		}
		if part.Output == nil || part.Output.MessageOutput == nil {
			continue
		}

		out := part.Output.MessageOutput
		switch out.Role {
		case schema.Tool:
			// Tool results feed the next model round; they are not
			// user-visible tokens.
			fullMsg, err := out.GetMessage()
			if err != nil {
				a.logger.Warn("Failed to read tool result message", "error", err)
				continue
			}
			a.logger.Debug("Agent tool result", "tool_call_id", fullMsg.ToolCallID, "stream_id", cfg.StreamID)

		case schema.Assistant:
			if out.MessageStream != nil {
				for {
					chunk, err := out.MessageStream.Recv()
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						return full.String(), fmt.Errorf("stream error: %w", err)
					}
					if chunk.Content == "" {
						continue
					}
					full.WriteString(chunk.Content)
					if cfg.Handler != nil {
						cfg.Handler.OnToken(TextToken(chunk.Content))
					}
				}
			} else {
				msg, err := out.GetMessage()
				if err != nil {
					a.logger.Warn("Failed to read assistant message", "error", err)
					continue
				}
				if msg.Content == "" {
					continue
				}
				full.WriteString(msg.Content)
				if cfg.Handler != nil && cfg.Streaming {
					cfg.Handler.OnToken(TextToken(msg.Content))
				}
			}
		}
	}

	if cfg.Handler != nil && cfg.Streaming {
		cfg.Handler.OnStreamEnd()
	}
	return full.String(), nil
}

// splitHistory separates the leading system instruction from the turns.
func splitHistory(history []Message) (string, []*schema.Message) {
	instruction := ""
	msgs := make([]*schema.Message, 0, len(history))
	for i, m := range history {
		if i == 0 && m.Role == RoleSystem {
			instruction = m.Content
			continue
		}
		msgs = append(msgs, &schema.Message{Role: toSchemaRole(m.Role), Content: m.Content})
	}
	return instruction, msgs
}

func toSchemaRole(role string) schema.RoleType {
	switch role {
	case RoleSystem:
		return schema.System
	case RoleAssistant:
		return schema.Assistant
	default:
		return schema.User
	}
}
