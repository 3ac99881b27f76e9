package copilot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"
)

// OpenAIConfig configures an OpenAI-compatible engine.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Headers map[string]string
}

// OpenAIEngine streams chat completions from any OpenAI-compatible API.
type OpenAIEngine struct {
	client openai.Client
}

// NewOpenAIEngine builds the engine. The key is not checked until the first
// request.
func NewOpenAIEngine(cfg OpenAIConfig) *OpenAIEngine {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return &OpenAIEngine{client: openai.NewClient(opts...)}
}

func (e *OpenAIEngine) Name() string { return "openai" }

func (e *OpenAIEngine) Models(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	iter := e.client.Models.ListAutoPaging(ctx)
	for iter.Next() {
		m := iter.Current()
		out = append(out, ModelInfo{ID: m.ID, Name: m.ID})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

var openAIReasoningModel = regexp.MustCompile(`^(o\d|gpt-5)`)

func (e *OpenAIEngine) Validate(model, effort string) error {
	if effort == "" {
		return nil
	}
	if !validEffort(effort) {
		return fmt.Errorf("%w: unknown level %q", ErrReasoningUnsupported, effort)
	}
	if !openAIReasoningModel.MatchString(model) {
		return fmt.Errorf("%w: %s", ErrReasoningUnsupported, model)
	}
	return nil
}

func (e *OpenAIEngine) Stream(ctx context.Context, t Turn) (<-chan EngineEvent, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(t.Model),
		Messages: openAIMessages(t),
	}
	if tools := openAITools(t.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if t.ReasoningEffort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(strings.ToLower(t.ReasoningEffort))
	}

	stream := e.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan EngineEvent, 16)
	go e.processStream(ctx, stream, ch)
	return ch, nil
}

// processStream assembles tool calls from their indexed deltas: id and name
// arrive once, arguments arrive as JSON fragments to concatenate.
func (e *OpenAIEngine) processStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- EngineEvent) {
	defer close(ch)
	defer stream.Close()

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	pending := make(map[int64]*pendingCall)
	var order []int64

	flush := func() bool {
		for _, idx := range order {
			pc := pending[idx]
			call := &ToolCall{ID: pc.id, Name: pc.name, Input: rawInput(pc.args.String())}
			if !emit(ctx, ch, EngineEvent{Type: EngineToolCall, ToolCall: call}) {
				return false
			}
		}
		order = nil
		return true
	}

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if rc := gjson.Get(delta.RawJSON(), "reasoning_content").String(); rc != "" {
			if !emit(ctx, ch, EngineEvent{Type: EngineReasoning, Text: rc}) {
				return
			}
		}
		if delta.Content != "" {
			if !emit(ctx, ch, EngineEvent{Type: EngineText, Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			pc, ok := pending[tc.Index]
			if !ok {
				pc = &pendingCall{}
				pending[tc.Index] = pc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			break
		}
	}

	if err := stream.Err(); err != nil {
		emit(ctx, ch, EngineEvent{Type: EngineError, Err: classifyOpenAIError(err)})
		return
	}
	if !flush() {
		return
	}
	emit(ctx, ch, EngineEvent{Type: EngineDone})
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 400 &&
		(apiErr.Param == "reasoning_effort" || strings.Contains(strings.ToLower(apiErr.Message), "reasoning")) {
		return fmt.Errorf("%w: %s", ErrReasoningUnsupported, apiErr.Message)
	}
	return fmt.Errorf("openai stream: %w", err)
}

func openAIMessages(t Turn) []openai.ChatCompletionMessageParamUnion {
	var params []openai.ChatCompletionMessageParamUnion
	if t.System != "" {
		params = append(params, openai.SystemMessage(t.System))
	}
	for _, m := range t.Messages {
		switch m.Role {
		case RoleUser:
			params = append(params, openai.UserMessage(m.Text))
		case RoleTool:
			if m.Result != nil {
				params = append(params, openai.ToolMessage(m.Result.Content, m.Result.CallID))
			}
		case RoleAssistant:
			var calls []openai.ChatCompletionMessageToolCallParam
			for _, c := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: c.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: string(c.Input),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Text)},
				ToolCalls: calls,
			}
			params = append(params, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return params
}

func openAITools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, s := range specs {
		schema := shared.FunctionParameters{
			"type":       "object",
			"properties": s.Parameters,
		}
		if len(s.Required) > 0 {
			schema["required"] = s.Required
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        s.Name,
				Description: openai.String(s.Description),
				Parameters:  schema,
			},
		})
	}
	return out
}
