package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/toolcatalog"
)

// EinoReasoner decides the next step with an eino tool-calling chat model.
type EinoReasoner struct {
	model  model.ToolCallingChatModel
	logger *zap.Logger
}

func NewEinoReasoner(chatModel model.ToolCallingChatModel, logger *zap.Logger) *EinoReasoner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EinoReasoner{model: chatModel, logger: logger.Named("reasoner")}
}

// Decide asks the model for one decision.
func (r *EinoReasoner) Decide(ctx context.Context, conversation []domain.Message, catalog []domain.ToolCatalogEntry) (domain.Decision, error) {
	bound, err := r.bind(catalog)
	if err != nil {
		return domain.Decision{}, err
	}
	response, err := bound.Generate(ctx, toSchemaMessages(conversation))
	if err != nil {
		return domain.Decision{}, fmt.Errorf("model generate: %w", err)
	}
	return decisionFromMessage(response), nil
}

// DecideStream forwards answer text as it arrives. Tool calls are only
// returned once the stream is complete.
func (r *EinoReasoner) DecideStream(ctx context.Context, conversation []domain.Message, catalog []domain.ToolCatalogEntry, onChunk domain.StreamFunc) (domain.Decision, error) {
	bound, err := r.bind(catalog)
	if err != nil {
		return domain.Decision{}, err
	}
	stream, err := bound.Stream(ctx, toSchemaMessages(conversation))
	if err != nil {
		return domain.Decision{}, fmt.Errorf("model stream: %w", err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.Decision{}, fmt.Errorf("model stream recv: %w", err)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" && len(chunk.ToolCalls) == 0 && onChunk != nil {
			onChunk(chunk.Content)
		}
	}
	if len(chunks) == 0 {
		return domain.FinalAnswer(""), nil
	}
	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("concat stream: %w", err)
	}
	return decisionFromMessage(merged), nil
}

func (r *EinoReasoner) bind(catalog []domain.ToolCatalogEntry) (model.ToolCallingChatModel, error) {
	if r.model == nil {
		return nil, domain.ErrReasonerUnavailable
	}
	if len(catalog) == 0 {
		return r.model, nil
	}
	infos, err := toolcatalog.ToEinoTools(catalog)
	if err != nil {
		return nil, err
	}
	bound, err := r.model.WithTools(infos)
	if err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}
	return bound, nil
}

func toSchemaMessages(conversation []domain.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(conversation))
	for _, msg := range conversation {
		switch msg.Role {
		case domain.RoleSystem:
			messages = append(messages, schema.SystemMessage(msg.Content))
		case domain.RoleUser:
			messages = append(messages, schema.UserMessage(msg.Content))
		case domain.RoleAssistant:
			if msg.ToolName == "" {
				messages = append(messages, schema.AssistantMessage(msg.Content, nil))
				continue
			}
			args := string(msg.Arguments)
			if args == "" {
				args = "{}"
			}
			messages = append(messages, schema.AssistantMessage(msg.Content, []schema.ToolCall{{
				ID:   msg.ToolCallID,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      msg.ToolName,
					Arguments: args,
				},
			}}))
		case domain.RoleTool:
			messages = append(messages, schema.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return messages
}

func decisionFromMessage(msg *schema.Message) domain.Decision {
	if msg == nil {
		return domain.FinalAnswer("")
	}
	if len(msg.ToolCalls) == 0 {
		return domain.FinalAnswer(strings.TrimSpace(msg.Content))
	}
	call := msg.ToolCalls[0]
	args := strings.TrimSpace(call.Function.Arguments)
	if args == "" {
		args = "{}"
	}
	decision := domain.ToolCall(call.Function.Name, json.RawMessage(args))
	decision.CallID = call.ID
	return decision
}

// NewChatModel builds the configured chat model.
func NewChatModel(ctx context.Context, cfg domain.ModelConfig) (model.ToolCallingChatModel, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envVar := strings.TrimSpace(cfg.APIKeyEnvVar)
		if envVar == "" {
			return nil, fmt.Errorf("API key is required: set model.apiKey or model.apiKeyEnvVar")
		}
		apiKey = os.Getenv(envVar)
		if apiKey == "" {
			return nil, fmt.Errorf("API key not found in env var %s", envVar)
		}
	}

	switch cfg.Provider {
	case "openai", "":
		modelCfg := &openai.ChatModelConfig{
			Model:       cfg.Model,
			APIKey:      apiKey,
			Temperature: cfg.Temperature,
		}
		if cfg.BaseURL != "" {
			modelCfg.BaseURL = cfg.BaseURL
		}
		if cfg.MaxTokens > 0 {
			maxTokens := cfg.MaxTokens
			modelCfg.MaxTokens = &maxTokens
		}
		return openai.NewChatModel(ctx, modelCfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

var _ domain.StreamingReasoner = (*EinoReasoner)(nil)
