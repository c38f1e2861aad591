package agent

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/eventlog"
	"github.com/buildloop/buildloop/internal/fault"
	"github.com/buildloop/buildloop/internal/toolbridge"
)

// maxAPIRounds bounds the tool-call loop of one API-backed invocation.
const maxAPIRounds = 200

// APITransport drives an external model through its chat API instead of a
// spawned CLI. Tool calls route through the session's bridge in-process; the
// event stream looks identical to the CLI transport's.
type APITransport struct {
	APIKey  string
	BaseURL string
}

func (t *APITransport) Name() string { return "openai" }

func (t *APITransport) Stream(ctx context.Context, inv Invocation) <-chan eventlog.Event {
	out := make(chan eventlog.Event, 64)
	go func() {
		defer close(out)
		t.run(ctx, inv, out)
	}()
	return out
}

func (t *APITransport) run(ctx context.Context, inv Invocation, out chan<- eventlog.Event) {
	logger := common.Component("agent")
	opts := []option.RequestOption{}
	if t.APIKey != "" {
		opts = append(opts, option.WithAPIKey(t.APIKey))
	}
	if t.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(t.BaseURL))
	}
	client := openai.NewClient(opts...)

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(inv.Prompt),
		openai.UserMessage("Begin the session."),
	}
	tools := catalogTools()
	var totals eventlog.Tokens

	for round := 0; round < maxAPIRounds; round++ {
		if ctx.Err() != nil {
			return
		}
		resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(inv.Model),
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(ctx, out, errorEvent(fault.AgentTransport, fmt.Sprintf("chat completion: %v", err)))
			return
		}
		totals.Input += resp.Usage.PromptTokens
		totals.Output += resp.Usage.CompletionTokens
		if len(resp.Choices) == 0 {
			emit(ctx, out, errorEvent(fault.AgentTransport, "no choices returned"))
			return
		}
		message := resp.Choices[0].Message
		if message.Content != "" {
			if !emit(ctx, out, eventlog.Event{Kind: eventlog.EventAssistantText, Content: message.Content}) {
				return
			}
		}
		if len(message.ToolCalls) == 0 {
			break
		}
		messages = append(messages, message.ToParam())
		for _, call := range message.ToolCalls {
			name := call.Function.Name
			args := json.RawMessage(call.Function.Arguments)
			if !emit(ctx, out, eventlog.Event{Kind: eventlog.EventToolUse, ToolName: name, Content: call.Function.Arguments}) {
				return
			}
			payload := toolResultPayload(ctx, inv.Bridge, name, args)
			if !emit(ctx, out, eventlog.Event{
				Kind:     eventlog.EventToolResult,
				ToolName: name,
				IsError:  payload.isError,
				Content:  payload.content,
			}) {
				return
			}
			messages = append(messages, openai.ToolMessage(payload.content, call.ID))
		}
	}

	logger.Debug("agent: api invocation finished", "session", inv.SessionID)
	emit(ctx, out, eventlog.Event{
		Kind:    eventlog.EventSystemNotice,
		Subtype: "result",
		Tokens:  &totals,
	})
}

type bridgeResult struct {
	content string
	isError bool
}

// toolResultPayload executes one tool call and renders the structured result
// (or structured error) the model sees next round. State changes commit
// before this returns, so the model observes its own effects.
func toolResultPayload(ctx context.Context, bridge *toolbridge.Bridge, name string, args json.RawMessage) bridgeResult {
	if bridge == nil {
		encoded, _ := json.Marshal(fault.New(fault.SandboxUnavailable, "no bridge bound"))
		return bridgeResult{content: string(encoded), isError: true}
	}
	result, ferr := bridge.Call(ctx, name, args)
	if ferr != nil {
		encoded, _ := json.Marshal(map[string]any{"error": ferr})
		return bridgeResult{content: string(encoded), isError: true}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		encoded, _ = json.Marshal(map[string]any{"error": fault.New(fault.Storage, "encode result: %v", err)})
		return bridgeResult{content: string(encoded), isError: true}
	}
	return bridgeResult{content: string(encoded)}
}

func emit(ctx context.Context, out chan<- eventlog.Event, ev eventlog.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// catalogTools renders the bridge catalog as chat-API function tools. Shapes
// are permissive objects; the bridge validates strictly on dispatch.
func catalogTools() []openai.ChatCompletionToolUnionParam {
	names := toolbridge.Catalog()
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(names))
	for _, name := range names {
		tools = append(tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String("Task-store or workspace operation " + name),
			Parameters: openai.FunctionParameters{
				"type":                 "object",
				"additionalProperties": true,
			},
		}))
	}
	return tools
}
