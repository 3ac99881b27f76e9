package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const anthropicMaxTokens = 16384

// Thinking budgets per reasoning effort level.
var thinkingBudget = map[string]int64{"low": 2048, "medium": 8192, "high": 12288}

// AnthropicConfig configures the native Anthropic engine.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// AnthropicEngine streams messages with tool use from the Anthropic API.
type AnthropicEngine struct {
	client anthropic.Client
}

func NewAnthropicEngine(cfg AnthropicConfig) *AnthropicEngine {
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicEngine{client: anthropic.NewClient(opts...)}
}

func (e *AnthropicEngine) Name() string { return "anthropic" }

func (e *AnthropicEngine) Models(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	iter := e.client.Models.ListAutoPaging(ctx, anthropic.ModelListParams{})
	for iter.Next() {
		m := iter.Current()
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		out = append(out, ModelInfo{ID: m.ID, Name: name})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

// Validate accepts an effort only for model families with extended thinking.
func (e *AnthropicEngine) Validate(model, effort string) error {
	if effort == "" {
		return nil
	}
	if !validEffort(effort) {
		return fmt.Errorf("%w: unknown level %q", ErrReasoningUnsupported, effort)
	}
	for _, prefix := range []string{"claude-sonnet-4", "claude-opus-4", "claude-3-7"} {
		if strings.HasPrefix(model, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrReasoningUnsupported, model)
}

func (e *AnthropicEngine) Stream(ctx context.Context, t Turn) (<-chan EngineEvent, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(t.Model),
		Messages:  anthropicMessages(t.Messages),
		MaxTokens: anthropicMaxTokens,
	}
	if t.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: t.System}}
	}
	if tools := anthropicTools(t.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if budget, ok := thinkingBudget[strings.ToLower(t.ReasoningEffort)]; ok {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	stream := e.client.Messages.NewStreaming(ctx, params)
	ch := make(chan EngineEvent, 16)
	go e.processStream(ctx, stream, ch)
	return ch, nil
}

// processStream follows the content block lifecycle: a tool_use block start
// records id and name, input JSON deltas accumulate, and the block stop
// completes the call.
func (e *AnthropicEngine) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], ch chan<- EngineEvent) {
	defer close(ch)
	defer stream.Close()

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	pending := make(map[int64]*pendingCall)

	for stream.Next() {
		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if variant.ContentBlock.Type == "tool_use" {
				use := variant.ContentBlock.AsToolUse()
				pending[variant.Index] = &pendingCall{id: use.ID, name: use.Name}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch d := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if !emit(ctx, ch, EngineEvent{Type: EngineText, Text: d.Text}) {
					return
				}
			case anthropic.ThinkingDelta:
				if !emit(ctx, ch, EngineEvent{Type: EngineReasoning, Text: d.Thinking}) {
					return
				}
			case anthropic.InputJSONDelta:
				if pc, ok := pending[variant.Index]; ok {
					pc.args.WriteString(d.PartialJSON)
				}
			}

		case anthropic.ContentBlockStopEvent:
			pc, ok := pending[variant.Index]
			if !ok {
				continue
			}
			delete(pending, variant.Index)
			call := &ToolCall{ID: pc.id, Name: pc.name, Input: rawInput(pc.args.String())}
			if !emit(ctx, ch, EngineEvent{Type: EngineToolCall, ToolCall: call}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		emit(ctx, ch, EngineEvent{Type: EngineError, Err: classifyAnthropicError(err)})
		return
	}
	emit(ctx, ch, EngineEvent{Type: EngineDone})
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 400 && strings.Contains(strings.ToLower(apiErr.Error()), "thinking") {
		return fmt.Errorf("%w: %v", ErrReasoningUnsupported, err)
	}
	return fmt.Errorf("anthropic stream: %w", err)
}

// anthropicMessages folds consecutive tool results into the single user
// message the API expects after an assistant tool_use turn.
func anthropicMessages(msgs []Message) []anthropic.MessageParam {
	var params []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(results) > 0 {
			params = append(params, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleTool:
			if m.Result != nil {
				results = append(results, anthropic.NewToolResultBlock(m.Result.CallID, m.Result.Content, m.Result.IsError))
			}
		case RoleUser:
			flushResults()
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		case RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for _, c := range m.ToolCalls {
				var input any
				if len(c.Input) > 0 {
					_ = json.Unmarshal(c.Input, &input)
				}
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, input, c.Name))
			}
			if len(blocks) > 0 {
				params = append(params, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flushResults()
	return params
}

func anthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, s := range specs {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        s.Name,
				Description: anthropic.String(s.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: s.Parameters,
					Required:   s.Required,
				},
			},
		})
	}
	return out
}
