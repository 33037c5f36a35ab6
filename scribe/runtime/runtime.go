// Package runtime drives the bounded tool-calling loop for agents
// whose model responses may request external tool execution.
package runtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// StopReasonToolIterationLimit is reported when the loop hits its
// iteration cap with tool calls still pending.
const StopReasonToolIterationLimit = "tool_iteration_limit"

// ContentBlock is one structured element of a message. Text blocks
// carry Text; tool_use blocks carry ID/Name/Input; tool_result blocks
// carry ToolUseID/Content/IsError.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Message is one conversation entry. Either Content or Blocks is set.
type Message struct {
	Role    string         `json:"role"`
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

// ToolCall is a model-issued request to run one tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is what a handler produced, or a synthetic error when
// execution could not happen.
type ToolResult struct {
	Content  any            `json:"content"`
	IsError  bool           `json:"is_error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolExecutionRecord traces one tool invocation inside a run.
type ToolExecutionRecord struct {
	Call   ToolCall   `json:"call"`
	Result ToolResult `json:"result"`
}

// ToolDefinition declares a tool to the model. InputSchema is a JSON
// Schema document used to validate arguments before dispatch.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolHandler executes one tool call. Returning an error marks the
// result as an error block; it never aborts the loop.
type ToolHandler interface {
	Execute(ctx context.Context, call ToolCall) (ToolResult, error)
}

// ToolHandlerFunc adapts a function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, call ToolCall) (ToolResult, error)

func (f ToolHandlerFunc) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	return f(ctx, call)
}

// ModelResponse is one backend reply inside the loop.
type ModelResponse struct {
	Text       string         `json:"text"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// ModelClient sends a conversation plus tool declarations to a
// backend and returns its reply.
type ModelClient interface {
	SendMessages(ctx context.Context, history []Message, tools []ToolDefinition) (ModelResponse, error)
}

// RunResult is the loop's final output.
type RunResult struct {
	Response   ModelResponse         `json:"response"`
	History    []Message             `json:"history"`
	Executions []ToolExecutionRecord `json:"tool_executions"`
	Iterations int                   `json:"iterations"`
	StopReason string                `json:"stop_reason"`
}

type registeredTool struct {
	definition ToolDefinition
	handler    ToolHandler
}

// Runtime manages the request/execute/respond loop around a model
// client. Tools are kept in a name-keyed table; registration order
// determines declaration order.
type Runtime struct {
	client        ModelClient
	tools         map[string]registeredTool
	toolOrder     []string
	maxIterations int
	validateArgs  bool
	logger        zerolog.Logger
}

// NewRuntime builds a runtime. maxIterations bounds runaway
// tool-calling chains; validateArgs schema-checks tool arguments
// before dispatch.
func NewRuntime(client ModelClient, maxIterations int, validateArgs bool, logger zerolog.Logger) *Runtime {
	if maxIterations < 1 {
		maxIterations = 4
	}
	return &Runtime{
		client:        client,
		tools:         make(map[string]registeredTool),
		maxIterations: maxIterations,
		validateArgs:  validateArgs,
		logger:        logger.With().Str("component", "runtime").Logger(),
	}
}

// RegisterTool adds or replaces a tool in the registry.
func (r *Runtime) RegisterTool(definition ToolDefinition, handler ToolHandler) {
	if _, exists := r.tools[definition.Name]; !exists {
		r.toolOrder = append(r.toolOrder, definition.Name)
	}
	r.tools[definition.Name] = registeredTool{definition: definition, handler: handler}
}

// ClearTools removes every registered tool.
func (r *Runtime) ClearTools() {
	r.tools = make(map[string]registeredTool)
	r.toolOrder = nil
}

// Definitions lists registered tool declarations in registration
// order.
func (r *Runtime) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		defs = append(defs, r.tools[name].definition)
	}
	return defs
}

// RunOptions adjusts one loop invocation.
type RunOptions struct {
	System            string
	MaxToolIterations int // 0 means use the runtime default
}

// Run executes the tool loop over a conversation. Each iteration sends
// the full history plus tool declarations; tool-free responses end the
// loop with the backend's stop reason, and hitting the iteration cap
// with calls still pending ends it with StopReasonToolIterationLimit.
func (r *Runtime) Run(ctx context.Context, conversation []Message, opts RunOptions) (RunResult, error) {
	if len(conversation) == 0 {
		return RunResult{}, fmt.Errorf("conversation history cannot be empty")
	}

	history := append([]Message(nil), conversation...)
	if opts.System != "" {
		history = append([]Message{{Role: "system", Content: opts.System}}, history...)
	}

	limit := r.maxIterations
	if opts.MaxToolIterations > 0 {
		limit = opts.MaxToolIterations
	}
	definitions := r.Definitions()

	var (
		executions []ToolExecutionRecord
		iterations int
		stopReason string
		response   ModelResponse
	)

	for {
		var err error
		response, err = r.client.SendMessages(ctx, history, definitions)
		if err != nil {
			return RunResult{}, fmt.Errorf("model call failed on iteration %d: %w", iterations+1, err)
		}
		iterations++

		history = append(history, assistantMessage(response))

		if len(response.ToolCalls) == 0 {
			stopReason = response.StopReason
			break
		}
		if iterations >= limit {
			stopReason = StopReasonToolIterationLimit
			break
		}

		for _, call := range response.ToolCalls {
			record := r.executeTool(ctx, call)
			executions = append(executions, record)
			history = append(history, Message{
				Role:   "user",
				Blocks: []ContentBlock{toolResultBlock(call.ID, record.Result)},
			})
		}
	}

	r.logger.Debug().
		Int("iterations", iterations).
		Int("tool_executions", len(executions)).
		Str("stop_reason", stopReason).
		Msg("runtime loop finished")

	return RunResult{
		Response:   response,
		History:    history,
		Executions: executions,
		Iterations: iterations,
		StopReason: stopReason,
	}, nil
}

// executeTool resolves one call against the registry. Every failure
// mode becomes an error tool result; this function never fails.
func (r *Runtime) executeTool(ctx context.Context, call ToolCall) ToolExecutionRecord {
	registered, ok := r.tools[call.Name]
	if !ok {
		r.logger.Warn().Str("tool", call.Name).Msg("missing tool handler")
		return ToolExecutionRecord{
			Call: call,
			Result: ToolResult{
				Content: fmt.Sprintf("Tool %q is not registered with this runtime.", call.Name),
				IsError: true,
			},
		}
	}

	if r.validateArgs && registered.definition.InputSchema != nil {
		if problem := validateArguments(registered.definition.InputSchema, call.Arguments); problem != "" {
			r.logger.Warn().Str("tool", call.Name).Str("problem", problem).Msg("tool arguments rejected")
			return ToolExecutionRecord{
				Call: call,
				Result: ToolResult{
					Content: fmt.Sprintf("Invalid arguments for tool %q: %s", call.Name, problem),
					IsError: true,
				},
			}
		}
	}

	result, err := registered.handler.Execute(ctx, call)
	if err != nil {
		r.logger.Warn().Err(err).Str("tool", call.Name).Msg("tool handler failed")
		return ToolExecutionRecord{
			Call:   call,
			Result: ToolResult{Content: err.Error(), IsError: true},
		}
	}
	return ToolExecutionRecord{Call: call, Result: result}
}

func validateArguments(schema, arguments map[string]any) string {
	if arguments == nil {
		arguments = map[string]any{}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(arguments))
	if err != nil {
		return err.Error()
	}
	if result.Valid() {
		return ""
	}
	problems := ""
	for i, desc := range result.Errors() {
		if i > 0 {
			problems += "; "
		}
		problems += desc.String()
	}
	return problems
}

func assistantMessage(resp ModelResponse) Message {
	if len(resp.Blocks) > 0 {
		return Message{Role: "assistant", Blocks: resp.Blocks}
	}
	return Message{Role: "assistant", Content: resp.Text}
}

func toolResultBlock(callID string, result ToolResult) ContentBlock {
	block := ContentBlock{
		Type:      "tool_result",
		ToolUseID: callID,
		Content:   result.Content,
		IsError:   result.IsError,
	}
	return block
}
