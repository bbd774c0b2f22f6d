package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/wreckit/wreckit/internal/gitutil"
)

// dispatchFunc executes one named tool call. The local dispatcher runs
// builtin tools against the working directory; the sandbox variant swaps in
// one that shells into the VM.
type dispatchFunc func(ctx context.Context, name string, input json.RawMessage) (string, error)

// claudeBackend runs the agent loop in-process against the Anthropic API.
// The allowlist filters tool exposure natively: a tool outside the list is
// never advertised to the model, and a call for one anyway (stale cache,
// prompt injection) fails as tool_denied.
type claudeBackend struct {
	// dispatch overrides local tool execution; nil means local.
	dispatch dispatchFunc
}

const (
	defaultClaudeModel     = "claude-sonnet-4-5"
	defaultMaxOutputTokens = 8192

	// Rough blended rates for budget tracking, dollars per token.
	inputTokenRate  = 3.0 / 1_000_000
	outputTokenRate = 15.0 / 1_000_000
)

func (b *claudeBackend) run(ctx context.Context, opts Options, env *turnEnv) (*Result, error) {
	dispatch := b.dispatch
	if dispatch == nil {
		dispatch = localDispatch(opts.CWD)
	}
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return &Result{Err: &Error{Kind: ErrAuth, Message: "ANTHROPIC_API_KEY is not set"}}, nil
	}

	model := opts.Config.Model
	if model == "" {
		model = defaultClaudeModel
	}
	maxTokens := opts.Config.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}

	var snap *gitutil.StatusSnapshot
	if opts.CWD != "" && gitutil.IsRepo(opts.CWD) {
		if s, err := gitutil.SnapshotStatus(opts.CWD); err == nil {
			snap = s
		}
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	var tools []anthropic.ToolUnionParam
	for _, t := range builtinTools {
		if !ToolAllowed(env.allowed, t.name) {
			continue
		}
		required, _ := t.schema["required"].([]string)
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.name,
				Description: anthropic.String(t.description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.schema["properties"],
					Required:   required,
				},
			},
		})
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(opts.Prompt)),
	}

	env.emit(opts, Event{Type: EventStart, Text: model, Detail: map[string]any{
		"item": opts.ItemID, "phase": opts.Phase, "tools": len(tools),
	}})

	var transcript strings.Builder
	res := &Result{}

	for {
		if err := env.tracker.Iteration(); err != nil {
			res.Err = classifyError(err)
			res.Output = transcript.String()
			return res, nil
		}

		msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: int64(maxTokens),
			Messages:  messages,
			Tools:     tools,
		})
		if err != nil {
			if ctx.Err() != nil {
				res.Output = transcript.String()
				return res, nil
			}
			res.Err = classifyError(err)
			res.Output = transcript.String()
			return res, nil
		}

		cost := float64(msg.Usage.InputTokens)*inputTokenRate + float64(msg.Usage.OutputTokens)*outputTokenRate
		if err := env.tracker.Spend(cost); err != nil {
			res.Err = classifyError(err)
			res.Output = transcript.String()
			return res, nil
		}

		var toolResults []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				transcript.WriteString(variant.Text)
				transcript.WriteByte('\n')
				env.emit(opts, Event{Type: EventMessage, Text: variant.Text})
				if opts.OnStdoutChunk != nil {
					opts.OnStdoutChunk(variant.Text + "\n")
				}
			case anthropic.ToolUseBlock:
				output, toolErr := runTool(ctx, opts, env, dispatch, variant.Name, variant.Input)
				if toolErr != nil {
					var aerr *Error
					if isDenied(toolErr) {
						aerr = &Error{Kind: ErrToolDenied, Message: toolErr.Error()}
						res.Err = aerr
					}
					output = toolErr.Error()
				}
				toolResults = append(toolResults, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: variant.ID,
						IsError:   anthropic.Bool(toolErr != nil),
						Content: []anthropic.ToolResultBlockParamContentUnion{
							{OfText: &anthropic.TextBlockParam{Text: output}},
						},
					},
				})
			}
		}

		messages = append(messages, msg.ToParam())

		if string(msg.StopReason) != "tool_use" || len(toolResults) == 0 {
			break
		}
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
	}

	res.Output = transcript.String()
	if res.Err == nil {
		res.Success = true
		res.CompletionDetected = true
		env.emit(opts, Event{Type: EventCompletion})
	}
	if snap != nil {
		if diff, derr := gitutil.DiffStatus(opts.CWD, snap); derr == nil {
			res.FilesModified = diff
		}
	}
	env.emit(opts, Event{Type: EventEnd, Detail: map[string]any{"success": res.Success}})
	return res, nil
}

// runTool checks the allowlist, counts progress, and dispatches.
func runTool(ctx context.Context, opts Options, env *turnEnv, dispatch dispatchFunc, name string, input json.RawMessage) (string, error) {
	env.emit(opts, Event{Type: EventToolCall, Tool: name, Detail: map[string]any{"input": string(input)}})
	if err := env.tracker.Progress(1); err != nil {
		return "", err
	}
	if !ToolAllowed(env.allowed, name) {
		return "", deniedError{name}
	}
	out, err := dispatch(ctx, name, input)
	ev := Event{Type: EventToolResult, Tool: name, Text: truncate(out, 1024)}
	if err != nil {
		ev.Detail = map[string]any{"error": err.Error()}
	}
	env.emit(opts, ev)
	return out, err
}

// localDispatch runs builtin tools rooted at the working directory.
func localDispatch(root string) dispatchFunc {
	return func(ctx context.Context, name string, input json.RawMessage) (string, error) {
		tool, ok := toolByName(name)
		if !ok {
			return "", fmt.Errorf("unknown tool %q", name)
		}
		return tool.invoke(ctx, root, input)
	}
}

type deniedError struct{ tool string }

func (e deniedError) Error() string { return fmt.Sprintf("tool denied: %q is not in allowlist", e.tool) }

func isDenied(err error) bool {
	_, ok := err.(deniedError)
	return ok
}
