package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/attractor/internal/model"
	"github.com/danshapiro/attractor/internal/runtime"
)

// Execution carries everything a handler may read while dispatching one
// node. Handlers never mutate the graph and never write the context
// directly; all state changes travel through Outcome.ContextUpdates.
type Execution struct {
	Graph    *model.Graph
	Context  *runtime.Context
	LogsRoot string
	Workdir  string
	Engine   *Engine
}

type Handler interface {
	Kind() model.Kind
	Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error)
}

// SuspendedError is returned through handler dispatch when a wait-human
// node has no answer available. The engine checkpoints and returns control
// to the caller, which may tear the process down and resume later with a
// response.
type SuspendedError struct {
	NodeID string
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("awaiting human input at node %s", e.NodeID)
}

type HandlerRegistry struct {
	handlers map[model.Kind]Handler
}

func NewRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[model.Kind]Handler{}}
}

// NewDefaultRegistry returns a registry with every built-in handler wired.
func NewDefaultRegistry() *HandlerRegistry {
	reg := NewRegistry()
	reg.Register(&StartHandler{})
	reg.Register(&ExitHandler{})
	reg.Register(&CodergenHandler{})
	reg.Register(&ConditionalHandler{})
	reg.Register(&ToolHandler{})
	reg.Register(&WaitHumanHandler{})
	reg.Register(&ParallelHandler{})
	reg.Register(&FanInHandler{})
	reg.Register(&ManagerHandler{})
	return reg
}

func (r *HandlerRegistry) Register(h Handler) {
	if r.handlers == nil {
		r.handlers = map[model.Kind]Handler{}
	}
	r.handlers[h.Kind()] = h
}

// Resolve returns the handler for the node's resolved kind, or a
// HandlerMissing error when the kind is not registered.
func (r *HandlerRegistry) Resolve(n *model.Node) (Handler, error) {
	kind := model.KindForNode(n)
	if h, ok := r.handlers[kind]; ok {
		return h, nil
	}
	return nil, &HandlerMissing{Kind: string(kind)}
}

func (r *HandlerRegistry) KnownKinds() []model.Kind {
	kinds := make([]model.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// StartHandler is a pure marker: success, no context updates.
type StartHandler struct{}

func (h *StartHandler) Kind() model.Kind { return model.KindStart }

func (h *StartHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	return runtime.Success("start"), nil
}

// ExitHandler is a pure marker; the engine runs the goal-gate audit before
// dispatching it.
type ExitHandler struct{}

func (h *ExitHandler) Kind() model.Kind { return model.KindExit }

func (h *ExitHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	return runtime.Success("exit"), nil
}

// CodergenBackend runs an opaque agent session for a node. The default is
// simulated; real providers plug in behind this interface.
type CodergenBackend interface {
	Run(ctx context.Context, exec *Execution, node *model.Node, prompt string) (response string, out *runtime.Outcome, err error)
}

// SimulatedBackend is the no-provider default: it echoes a canned response
// and succeeds. Tests install ScriptedBackend instead.
type SimulatedBackend struct{}

func (b *SimulatedBackend) Run(ctx context.Context, exec *Execution, node *model.Node, prompt string) (string, *runtime.Outcome, error) {
	out := runtime.Success("simulated agent session completed")
	return "[simulated] response for node " + node.ID, &out, nil
}

// ScriptedBackend replays canned per-node responses in order; used by
// tests. Safe for concurrent dispatch from fan-out branches.
type ScriptedBackend struct {
	// Responses maps node ID to the sequence of results returned on
	// successive dispatches of that node.
	Responses map[string][]ScriptedResult

	mu    sync.Mutex
	calls map[string]int
}

type ScriptedResult struct {
	Response string
	Outcome  runtime.Outcome
	Err      error
}

func (b *ScriptedBackend) Run(ctx context.Context, exec *Execution, node *model.Node, prompt string) (string, *runtime.Outcome, error) {
	b.mu.Lock()
	if b.calls == nil {
		b.calls = map[string]int{}
	}
	seq := b.Responses[node.ID]
	idx := b.calls[node.ID]
	b.calls[node.ID]++
	b.mu.Unlock()
	if idx >= len(seq) {
		if len(seq) == 0 {
			out := runtime.Success("scripted default")
			return "", &out, nil
		}
		idx = len(seq) - 1
	}
	r := seq[idx]
	if r.Err != nil {
		return "", nil, r.Err
	}
	out := r.Outcome
	return r.Response, &out, nil
}

// CodergenHandler drives one agent session with the node's prompt and
// attributes. Context updates carry the session result under {id}.result;
// cost travels on the outcome's CostUSD field.
type CodergenHandler struct{}

func (h *CodergenHandler) Kind() model.Kind { return model.KindCodergen }

func (h *CodergenHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	resp, out, err := runAgentSession(ctx, exec, node)
	if err != nil {
		return runtime.Fail(err.Error()), nil
	}
	if out == nil {
		o := runtime.Success("agent session completed")
		out = &o
	}
	result, cerr := out.Canonicalize()
	if cerr != nil {
		return runtime.Fail(cerr.Error()), nil
	}
	if result.ContextUpdates == nil {
		result.ContextUpdates = map[string]any{}
	}
	if _, ok := result.ContextUpdates[node.ID+".result"]; !ok {
		result.ContextUpdates[node.ID+".result"] = resp
	}
	if strings.TrimSpace(result.Notes) == "" {
		result.Notes = firstLine(resp)
	}
	return result, nil
}

// runAgentSession expands the prompt lazily (so ${ctx.prior.result}
// references resolve), persists prompt/response artifacts into the stage
// directory, and honors the node's deadline via ctx.
func runAgentSession(ctx context.Context, exec *Execution, node *model.Node) (string, *runtime.Outcome, error) {
	prompt := strings.TrimSpace(node.Prompt())
	if prompt == "" {
		prompt = node.Label()
	}
	prompt = ExpandVariables(prompt, exec.Context)
	prompt = injectContextPreamble(prompt, exec.Context)

	stageDir := filepath.Join(exec.LogsRoot, node.ID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(stageDir, "prompt.md"), []byte(prompt), 0o644); err != nil {
		return "", nil, err
	}

	backend := exec.Engine.backend()
	resp, out, err := backend.Run(ctx, exec, node, prompt)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", nil, fmt.Errorf("timeout")
		}
		return "", nil, err
	}
	if strings.TrimSpace(resp) != "" {
		_ = os.WriteFile(filepath.Join(stageDir, "response.md"), []byte(resp), 0o644)
	}
	return resp, out, nil
}

// injectContextPreamble prepends the graph goal and the most recent node
// result so the session sees relevant prior context.
func injectContextPreamble(prompt string, ctx *runtime.Context) string {
	if ctx == nil {
		return prompt
	}
	var parts []string
	if goal := strings.TrimSpace(ctx.GetString("graph.goal", "")); goal != "" {
		parts = append(parts, "Goal: "+goal)
	}
	if prev := strings.TrimSpace(ctx.GetString("previous_node", "")); prev != "" {
		if res := strings.TrimSpace(ctx.GetString(prev+".result", "")); res != "" {
			parts = append(parts, "Previous step ("+prev+"):\n"+truncateHead(res, 2000))
		}
	}
	if len(parts) == 0 {
		return prompt
	}
	return strings.Join(parts, "\n\n") + "\n\n" + prompt
}

// ConditionalHandler runs an agent session and scans the response for an
// outgoing edge label: last five lines first (exact match, case-insensitive,
// accelerator stripped), then the whole response. When no label matches, a
// final line of at most 64 characters with no spaces or tabs becomes the
// preferred label; otherwise it stays empty.
type ConditionalHandler struct{}

func (h *ConditionalHandler) Kind() model.Kind { return model.KindConditional }

func (h *ConditionalHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	resp, out, err := runAgentSession(ctx, exec, node)
	if err != nil {
		return runtime.Fail(err.Error()), nil
	}
	result := runtime.Success("conditional")
	if out != nil {
		if co, cerr := out.Canonicalize(); cerr == nil {
			result = co
		}
	}
	if result.Status == runtime.StatusFail {
		return result, nil
	}
	result.Status = runtime.StatusSuccess
	if result.PreferredLabel == "" {
		result.PreferredLabel = matchResponseLabel(resp, exec.Graph.Outgoing(node.ID))
	}
	if result.PreferredLabel == "" {
		// No edge label matched (edges may route purely on conditions
		// against preferred_label). A short final line is treated as the
		// session's verdict token.
		lines := nonEmptyLines(resp)
		if len(lines) > 0 {
			if last := lines[len(lines)-1]; len(last) <= 64 && !strings.ContainsAny(last, " \t") {
				result.PreferredLabel = last
			}
		}
	}
	if result.ContextUpdates == nil {
		result.ContextUpdates = map[string]any{}
	}
	if _, ok := result.ContextUpdates[node.ID+".result"]; !ok {
		result.ContextUpdates[node.ID+".result"] = resp
	}
	return result, nil
}

// matchResponseLabel finds which outgoing edge label the response named.
func matchResponseLabel(resp string, edges []*model.Edge) string {
	labels := map[string]string{} // normalized -> original
	for _, e := range edges {
		if l := strings.TrimSpace(e.Label()); l != "" {
			labels[normalizeLabel(l)] = l
		}
	}
	if len(labels) == 0 {
		return ""
	}
	lines := nonEmptyLines(resp)
	tail := lines
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	for i := len(tail) - 1; i >= 0; i-- {
		if orig, ok := labels[normalizeLabel(tail[i])]; ok {
			return orig
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if orig, ok := labels[normalizeLabel(lines[i])]; ok {
			return orig
		}
	}
	return ""
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}

// ToolHandler runs tool_command in the working directory with a timeout.
// Exit 0 is success; anything else fails. A bounded head+tail of the
// command output lands under {id}.result.
type ToolHandler struct{}

func (h *ToolHandler) Kind() model.Kind { return model.KindTool }

const toolOutputLimit = 8_000

func (h *ToolHandler) Execute(ctx context.Context, ex *Execution, node *model.Node) (runtime.Outcome, error) {
	cmdStr := strings.TrimSpace(node.Attr("tool_command", ""))
	if cmdStr == "" {
		return runtime.Fail("no tool_command specified"), nil
	}
	cmdStr = ExpandVariables(cmdStr, ex.Context)
	timeout := parseDuration(node.Attr("timeout", ""), 0)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	stageDir := filepath.Join(ex.LogsRoot, node.ID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return runtime.Fail(err.Error()), nil
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "bash", "-c", cmdStr)
	cmd.Dir = ex.Workdir
	cmd.Stdin = strings.NewReader("")
	stdoutFile, err := os.Create(filepath.Join(stageDir, "stdout.log"))
	if err != nil {
		return runtime.Fail(err.Error()), nil
	}
	stderrFile, err := os.Create(filepath.Join(stageDir, "stderr.log"))
	if err != nil {
		_ = stdoutFile.Close()
		return runtime.Fail(err.Error()), nil
	}
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	runErr := cmd.Run()
	_ = stdoutFile.Close()
	_ = stderrFile.Close()

	stdout, _ := os.ReadFile(filepath.Join(stageDir, "stdout.log"))
	result := truncateHeadTail(string(stdout), toolOutputLimit)

	if cctx.Err() == context.DeadlineExceeded {
		return runtime.Outcome{
			Status:         runtime.StatusFail,
			FailureReason:  "timeout",
			ContextUpdates: map[string]any{node.ID + ".result": result},
		}, nil
	}
	if runErr != nil {
		return runtime.Outcome{
			Status:         runtime.StatusFail,
			FailureReason:  runErr.Error(),
			ContextUpdates: map[string]any{node.ID + ".result": result},
		}, nil
	}
	return runtime.Outcome{
		Status:         runtime.StatusSuccess,
		Notes:          "tool completed",
		ContextUpdates: map[string]any{node.ID + ".result": result},
	}, nil
}

// WaitHumanHandler suspends the engine until a response is available: an
// injected resume response first, then the configured interviewer. With
// neither, dispatch returns SuspendedError so the caller can checkpoint
// and exit.
type WaitHumanHandler struct{}

func (h *WaitHumanHandler) Kind() model.Kind { return model.KindWaitHuman }

func (h *WaitHumanHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	edges := exec.Graph.Outgoing(node.ID)
	if len(edges) == 0 {
		return runtime.Fail("no outgoing edges for human gate"), nil
	}

	if resp := exec.Engine.takeHumanResponse(); resp != "" {
		return outcomeForHumanResponse(resp, edges), nil
	}

	interviewer := exec.Engine.Interviewer
	if interviewer == nil {
		return runtime.Outcome{}, &SuspendedError{NodeID: node.ID}
	}

	options := make([]Option, 0, len(edges))
	for _, e := range edges {
		label := strings.TrimSpace(e.Label())
		if label == "" {
			label = e.To
		}
		options = append(options, Option{Label: label, To: e.To})
	}
	ans := interviewer.Ask(Question{
		Text:    node.Attr("question", node.Label()),
		Options: options,
		NodeID:  node.ID,
	})
	if ans.Skipped {
		return runtime.Fail("human gate skipped"), nil
	}
	return outcomeForHumanResponse(ans.Value, edges), nil
}

// outcomeForHumanResponse matches the supplied text against each outgoing
// edge's label or target, edges in declaration order, and emits success
// with the preferred label set.
func outcomeForHumanResponse(resp string, edges []*model.Edge) runtime.Outcome {
	want := normalizeLabel(resp)
	for _, e := range edges {
		if normalizeLabel(e.Label()) == want || strings.EqualFold(e.To, strings.TrimSpace(resp)) {
			label := e.Label()
			if label == "" {
				label = e.To
			}
			return runtime.Outcome{
				Status:           runtime.StatusSuccess,
				PreferredLabel:   label,
				SuggestedNextIDs: []string{e.To},
				Notes:            "human gate answered",
			}
		}
	}
	// Unmatched answers still flow through as the preferred label so edge
	// selection can fall back deterministically.
	return runtime.Outcome{
		Status:         runtime.StatusSuccess,
		PreferredLabel: strings.TrimSpace(resp),
		Notes:          "human gate answered (no label match)",
	}
}

// ManagerHandler reduces to a bounded codergen loop: re-dispatch the
// session until the response signals completion or the retry budget runs
// out.
type ManagerHandler struct{}

func (h *ManagerHandler) Kind() model.Kind { return model.KindManager }

func (h *ManagerHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	maxIterations := parseInt(node.Attr("max_retries", ""), 3) + 1
	var last runtime.Outcome
	for i := 0; i < maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return runtime.Fail(err.Error()), nil
		}
		resp, out, err := runAgentSession(ctx, exec, node)
		if err != nil {
			return runtime.Fail(err.Error()), nil
		}
		last = runtime.Success("manager iteration")
		if out != nil {
			if co, cerr := out.Canonicalize(); cerr == nil {
				last = co
			}
		}
		if last.ContextUpdates == nil {
			last.ContextUpdates = map[string]any{}
		}
		last.ContextUpdates[node.ID+".result"] = resp
		last.ContextUpdates[node.ID+".iterations"] = i + 1
		if managerDone(resp) || last.Status == runtime.StatusFail {
			return last, nil
		}
	}
	if last.Status == runtime.StatusSuccess {
		return last, nil
	}
	last.Status = runtime.StatusFail
	if last.FailureReason == "" {
		last.FailureReason = "manager loop exhausted without a stop signal"
	}
	return last, nil
}

// managerDone scans the final lines for the DONE stop marker.
func managerDone(resp string) bool {
	lines := nonEmptyLines(resp)
	tail := lines
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	for _, line := range tail {
		if strings.EqualFold(strings.TrimSpace(line), "done") {
			return true
		}
	}
	return false
}

// Interviewer answers wait-human questions. The default auto-approve
// implementation picks the first option, which keeps unattended runs
// moving.
type Interviewer interface {
	Ask(q Question) Answer
}

type Question struct {
	Text    string
	Options []Option
	NodeID  string
}

type Option struct {
	Label string
	To    string
}

type Answer struct {
	Value   string
	Skipped bool
}

type AutoApproveInterviewer struct{}

func (i *AutoApproveInterviewer) Ask(q Question) Answer {
	if len(q.Options) > 0 {
		return Answer{Value: q.Options[0].Label}
	}
	return Answer{Value: "yes"}
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func truncateHead(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// truncateHeadTail keeps the first and last halves of an oversized string
// with an elision marker between them.
func truncateHeadTail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	half := n / 2
	return s[:half] + "\n... [output truncated] ...\n" + s[len(s)-half:]
}
