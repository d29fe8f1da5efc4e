package modelstream

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/loomcli/loom/internal/message"
)

// AnthropicBackend wraps github.com/anthropics/anthropic-sdk-go for real
// SSE streaming against the Messages API. This is the one concrete wire
// client kept in-tree as the reference backend; selection of any other
// backend family is out of scope (see DESIGN.md).
type AnthropicBackend struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicBackend constructs a backend for the given model name,
// reading the API key from ANTHROPIC_API_KEY exactly as the SDK's
// default client option does.
func NewAnthropicBackend(model string) *AnthropicBackend {
	return &AnthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY"))),
		model:  anthropic.Model(model),
	}
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

func (b *AnthropicBackend) Close() error { return nil }

func (b *AnthropicBackend) Stream(ctx context.Context, messages []message.Message, tools []message.ToolSpec, systemPrompt string, opts Options) (<-chan StreamEvent, error) {
	params := anthropic.MessageNewParams{
		Model:       b.model,
		MaxTokens:   4096,
		Messages:    toAnthropicMessages(messages),
		Temperature: anthropic.Float(opts.Temperature),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	for _, m := range messages {
		if m.Role == message.RoleSystem && m.Text != "" {
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Text})
		}
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	stream := b.client.Messages.NewStreaming(ctx, params)

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		defer func() {
			if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("anthropic stream ended with error")
			}
		}()

		var accum anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := accum.Accumulate(event); err != nil {
				emitError(out, ErrTransport, true, err)
				return
			}
			if ev, ok := translateEvent(event); ok {
				select {
				case <-ctx.Done():
					out <- StreamEvent{Type: MessageStop, StopReason: StopCancelled}
					return
				case out <- ev:
				}
			}
		}
		if err := stream.Err(); err != nil {
			kind, retryable := classifyAnthropicError(err)
			emitError(out, kind, retryable, err)
			return
		}
		out <- StreamEvent{
			Type:       MessageStop,
			StopReason: stopReasonFromAnthropic(accum.StopReason),
		}
		out <- StreamEvent{
			Type: Metadata,
			Usage: Usage{
				InputTokens:  int(accum.Usage.InputTokens),
				OutputTokens: int(accum.Usage.OutputTokens),
			},
		}
	}()
	return out, nil
}

func emitError(out chan<- StreamEvent, kind ErrorKind, retryable bool, err error) {
	out <- StreamEvent{Type: Error, ErrKind: kind, Retryable: retryable, Err: err}
}

// translateEvent maps one Anthropic SSE event to zero or one StreamEvent
// in the spec's vocabulary. Content-block-start/delta/stop for text and
// tool_use blocks become AssistantTextDelta / ToolUseStart /
// ToolUseInputDelta / ToolUseStop; message_start becomes MessageStart.
func translateEvent(event anthropic.MessageStreamEventUnion) (StreamEvent, bool) {
	switch variant := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		return StreamEvent{Type: MessageStart}, true
	case anthropic.ContentBlockStartEvent:
		if tu, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			return StreamEvent{Type: ToolUseStart, ToolUseID: tu.ID, ToolUseName: tu.Name}, true
		}
		return StreamEvent{}, false
	case anthropic.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return StreamEvent{Type: AssistantTextDelta, Text: delta.Text}, true
		case anthropic.InputJSONDelta:
			return StreamEvent{Type: ToolUseInputDelta, JSONFragment: delta.PartialJSON}, true
		}
		return StreamEvent{}, false
	case anthropic.ContentBlockStopEvent:
		return StreamEvent{Type: ToolUseStop}, true
	default:
		return StreamEvent{}, false
	}
}

func stopReasonFromAnthropic(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return StopEndTurn
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	default:
		return StopOther
	}
}

// classifyAnthropicError maps SDK errors to the spec's error kinds by
// the SDK's typed APIError status codes: 401/403 become ErrAuth, 429
// ErrQuota, and a 400 invalid_request_error ErrValidation. It never
// returns ErrContextOverflow: a context-window overflow is not told
// apart from other 400 invalid_request_error responses. Anything else
// is treated as a retryable transport error.
func classifyAnthropicError(err error) (ErrorKind, bool) {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return ErrAuth, false
		case 429:
			return ErrQuota, true
		case 400:
			if apiErr.Type == "invalid_request_error" {
				return ErrValidation, false
			}
		}
	}
	return ErrTransport, true
}

func toAnthropicMessages(msgs []message.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case message.RoleUser:
			out = append(out, anthropic.NewUserMessage(userBlocks(m)...))
		case message.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(assistantBlocks(m)...))
		case message.RoleSystem:
			// System (compaction, recitation) messages are folded into
			// params.System by Stream, not sent as a turn message.
		}
	}
	return out
}

func userBlocks(m message.Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	if m.Text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(m.Text))
	}
	for _, img := range m.Images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, img.Data))
	}
	for _, tr := range m.ToolResults {
		blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolUseID, resultText(tr), tr.Status == message.StatusError))
	}
	return blocks
}

func resultText(tr message.ToolResultBlock) string {
	var out string
	for _, c := range tr.Content {
		if c.Text != "" {
			out += c.Text
		} else if c.JSON != "" {
			out += c.JSON
		}
	}
	return out
}

func assistantBlocks(m message.Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	if m.Text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(m.Text))
	}
	for _, tu := range m.ToolUses {
		var input any
		_ = json.Unmarshal([]byte(tu.Input), &input)
		blocks = append(blocks, anthropic.NewToolUseBlock(tu.ToolUseID, input, tu.Name))
	}
	return blocks
}

func toAnthropicTools(tools []message.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(t.InputSchema, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

// AnthropicFactory constructs AnthropicBackend instances for wiring
// into a Registry under KindAnthropic.
type AnthropicFactory struct{}

func (AnthropicFactory) Kind() Kind { return KindAnthropic }

func (AnthropicFactory) Create(model string, _ Options) Backend {
	return NewAnthropicBackend(model)
}
