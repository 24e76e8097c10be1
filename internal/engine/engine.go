package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	rdebug "runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/attractor/internal/model"
	"github.com/danshapiro/attractor/internal/runtime"
)

type RunOptions struct {
	// SessionID is a globally unique filesystem-safe identifier. If empty,
	// one is generated (ULID).
	SessionID string

	// Workdir is where tool commands run. Defaults to the current directory.
	Workdir string

	// LogsRoot holds per-node stage directories, progress events, the
	// checkpoint, and the final outcome document.
	LogsRoot string

	// MaxSteps caps node executions per segment. Nil falls back to the
	// graph's max_steps attribute, then to 1000. Zero aborts before the
	// first dispatch.
	MaxSteps *int

	// MaxBudgetUSD caps total cost. Nil falls back to the graph's
	// max_budget_usd attribute; absent means unbounded.
	MaxBudgetUSD *float64

	// StageTimeout caps each node attempt globally. Per-node timeout
	// attributes still apply; the smaller positive value wins.
	StageTimeout time.Duration

	// BestEffortCheckpoints downgrades checkpoint write failures from
	// fatal to warnings.
	BestEffortCheckpoints bool

	// HumanResponse is consumed by the first wait-human node dispatched;
	// used on resume.
	HumanResponse string
}

func (o *RunOptions) applyDefaults() error {
	if o.SessionID == "" {
		o.SessionID = NewSessionID()
	}
	if o.Workdir == "" {
		o.Workdir = "."
	}
	if o.LogsRoot == "" {
		o.LogsRoot = filepath.Join(os.TempDir(), "attractor", o.SessionID)
	}
	return nil
}

// NewSessionID returns a ULID: sortable, unique, filesystem-safe.
func NewSessionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

// Engine drives a single pipeline traversal: dispatch, outcome, context
// merge, edge selection, next — with step and budget guards and a
// checkpoint after every node outcome.
type Engine struct {
	Graph   *model.Graph
	Options RunOptions

	// DotSource is the original graph source, persisted to the logs root
	// so resume can rebuild the executable graph.
	DotSource []byte

	Context     *runtime.Context
	Registry    *HandlerRegistry
	Backend     CodergenBackend
	Interviewer Interviewer

	state      *traversalState
	totalCost  float64
	stepCount  int
	retryCount int // goal-gate loop resets

	// Failure-signature counts across loop restarts; an identical failure
	// reaching the limit trips a circuit breaker instead of looping
	// forever.
	failureSignatures map[string]int

	humanResponseMu sync.Mutex
	humanResponse   string

	warningsMu sync.Mutex
	warnings   []string

	progressMu sync.Mutex

	lastCheckpointPath string
}

// Result is what a finished (or suspended) run reports.
type Result struct {
	SessionID      string
	FinalStatus    runtime.FinalStatus
	CompletedNodes []string
	TotalCost      float64
	StepCount      int
	CheckpointPath string
	Suspended      bool
	WaitingNode    string
	Warnings       []string
}

func New(g *model.Graph, opts RunOptions) (*Engine, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	e := &Engine{
		Graph:         g,
		Options:       opts,
		Context:       runtime.NewContext(),
		Registry:      NewDefaultRegistry(),
		Backend:       &SimulatedBackend{},
		Interviewer:   &AutoApproveInterviewer{},
		state:         newTraversalState(),
		humanResponse: opts.HumanResponse,
	}
	return e, nil
}

// Run executes the pipeline from the start node.
func Run(ctx context.Context, src []byte, opts RunOptions) (*Result, error) {
	g, _, err := Prepare(src)
	if err != nil {
		return nil, err
	}
	eng, err := New(g, opts)
	if err != nil {
		return nil, err
	}
	eng.DotSource = src
	return eng.Run(ctx)
}

func (e *Engine) Run(ctx context.Context) (res *Result, err error) {
	defer func() {
		if err != nil {
			e.persistFinal(runtime.FinalFail, err.Error())
		}
	}()

	if err := os.MkdirAll(e.Options.LogsRoot, 0o755); err != nil {
		return nil, err
	}
	if len(e.DotSource) > 0 {
		if err := os.WriteFile(filepath.Join(e.Options.LogsRoot, "graph.dot"), e.DotSource, 0o644); err != nil {
			return nil, err
		}
	}
	e.seedContext()

	start := e.Graph.StartNodeID()
	if start == "" {
		return nil, &ValidationError{RuleID: "StartNodeRule", Message: "no start node found"}
	}
	return e.runLoop(ctx, start)
}

// seedContext mirrors graph attributes into the context so conditions and
// variable expansion can reference them.
func (e *Engine) seedContext() {
	for k, v := range e.Graph.Attrs {
		e.Context.Set("graph."+k, v)
	}
	e.Context.Set("graph.goal", e.Graph.Attrs["goal"])
}

func (e *Engine) maxSteps() int {
	if e.Options.MaxSteps != nil {
		return *e.Options.MaxSteps
	}
	return parseInt(e.Graph.Attrs["max_steps"], 1000)
}

// maxBudget returns the cap and whether one is set at all.
func (e *Engine) maxBudget() (float64, bool) {
	if e.Options.MaxBudgetUSD != nil {
		return *e.Options.MaxBudgetUSD, true
	}
	if v := strings.TrimSpace(e.Graph.Attrs["max_budget_usd"]); v != "" {
		return parseFloat(v, 0), true
	}
	return 0, false
}

func (e *Engine) runLoop(ctx context.Context, current string) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			e.checkpointBestEffort(current)
			return nil, err
		}

		// Resource guards run before every dispatch.
		if max := e.maxSteps(); e.stepCount >= max {
			return nil, &StepLimitExceeded{Steps: e.stepCount, MaxSteps: max}
		}
		if max, ok := e.maxBudget(); ok && e.totalCost >= max {
			return nil, &BudgetExceeded{TotalCost: e.totalCost, MaxBudgetUSD: max}
		}

		node := e.Graph.Nodes[current]
		if node == nil {
			return nil, fmt.Errorf("missing node: %s", current)
		}

		if len(e.state.completed) > 0 {
			e.Context.Set("previous_node", e.state.completed[len(e.state.completed)-1])
		}
		e.Context.Set("current_node", current)

		// Exit nodes audit goal gates before they may complete.
		if model.IsExit(node) {
			reset, err := e.enforceGoalGates()
			if err != nil {
				return nil, err
			}
			if reset != "" {
				e.appendProgress(map[string]any{
					"event":       "goal_gate_reset",
					"retry_count": e.retryCount,
					"target":      reset,
				})
				current = reset
				continue
			}
			out, err := e.dispatch(ctx, node)
			if err != nil {
				return nil, err
			}
			e.recordOutcome(node, out)
			if err := e.checkpoint(current); err != nil {
				return nil, err
			}
			e.persistFinal(runtime.FinalSuccess, "")
			return e.result(runtime.FinalSuccess), nil
		}

		out, err := e.executeWithRetry(ctx, node)
		var suspended *SuspendedError
		if errors.As(err, &suspended) {
			// Checkpoint with current_node pointing at the waiting node so
			// resume re-dispatches it with the supplied response.
			if err := e.checkpoint(current); err != nil {
				return nil, err
			}
			res := e.result("")
			res.Suspended = true
			res.WaitingNode = suspended.NodeID
			return res, nil
		}
		if err != nil {
			return nil, err
		}

		e.recordOutcome(node, out)
		if err := e.checkpoint(current); err != nil {
			return nil, err
		}

		// Fan-out nodes hand control straight to their join node; their
		// outgoing edges describe branches, not the next hop.
		if model.KindForNode(node) == model.KindParallel && out.Status.Satisfied() {
			join := strings.TrimSpace(e.Context.GetString("parallel.join_node", ""))
			if join == "" {
				return nil, fmt.Errorf("parallel node %s left no join node in context", node.ID)
			}
			current = join
			continue
		}

		next, err := selectNextEdge(e.Graph, node.ID, out, e.Context)
		if err != nil {
			return nil, err
		}
		if next == nil {
			if out.Status == runtime.StatusFail {
				return nil, &HandlerError{NodeID: node.ID, Reason: out.FailureReason}
			}
			e.persistFinal(runtime.FinalSuccess, "")
			return e.result(runtime.FinalSuccess), nil
		}

		e.appendProgress(map[string]any{
			"event":     "edge_selected",
			"from_node": node.ID,
			"to_node":   next.To,
			"label":     next.Label(),
			"condition": next.Condition(),
		})

		if next.LoopRestart() {
			if err := e.loopRestart(node, out); err != nil {
				return nil, err
			}
		}
		current = next.To
	}
}

// loopRestart clears completed-node bookkeeping while keeping the context,
// so the restarted section sees accumulated knowledge. An optional graph
// flag resets the context too, minus any listed persist keys. A failure
// signature seen max_same_failure times (default 3) aborts instead of
// looping forever.
func (e *Engine) loopRestart(from *model.Node, out runtime.Outcome) error {
	if out.Status == runtime.StatusFail || out.Status == runtime.StatusRetry {
		sig := failureSignature(from.ID, out)
		if e.failureSignatures == nil {
			e.failureSignatures = map[string]int{}
		}
		e.failureSignatures[sig]++
		limit := parseInt(e.Graph.Attrs["max_same_failure"], 3)
		if e.failureSignatures[sig] >= limit {
			return fmt.Errorf("loop restart aborted: failure signature repeated %d times (limit %d): %s",
				e.failureSignatures[sig], limit, out.FailureReason)
		}
	}

	e.appendProgress(map[string]any{
		"event":     "loop_restart",
		"from_node": from.ID,
	})
	e.state.reset()
	e.stepCount = 0
	e.Context.Set("step_count", 0)

	if parseBool(e.Graph.Attrs["loop_restart_reset_context"], false) {
		persisted := map[string]any{}
		for _, key := range strings.Split(e.Graph.Attrs["loop_restart_persist_keys"], ",") {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if v, ok := e.Context.Get(key); ok {
				persisted[key] = v
			}
		}
		e.Context = runtime.NewContext()
		e.seedContext()
		e.Context.ApplyUpdates(persisted)
	}
	return nil
}

// failureSignature hashes the node and normalized failure reason so
// recurring identical failures are recognizable across restarts.
func failureSignature(nodeID string, out runtime.Outcome) string {
	reason := strings.ToLower(strings.TrimSpace(out.FailureReason))
	sum := blake3.Sum256([]byte(nodeID + "|" + string(out.Status) + "|" + reason))
	return hex.EncodeToString(sum[:8])
}

// enforceGoalGates audits every traversed gate. It returns the retry
// target to re-enter, "" when the pipeline may complete, or a fatal error.
func (e *Engine) enforceGoalGates() (string, error) {
	gate := firstFailingGate(e.Graph, e.state)
	if gate == "" {
		return "", nil
	}
	target := resolveRetryTarget(e.Graph, gate)
	if target == "" {
		return "", &GoalGateUnsatisfied{GateID: gate}
	}
	if _, ok := e.Graph.Nodes[target]; !ok {
		return "", &GoalGateUnsatisfied{GateID: gate}
	}
	e.retryCount++
	max := parseInt(e.Graph.Attrs["max_retries"], 50)
	if e.retryCount > max {
		return "", &MaxRetriesExceeded{Retries: e.retryCount, Max: max}
	}
	e.state.rollBackTo(target)
	e.stepCount = len(e.state.completed)
	e.Context.Set("step_count", e.stepCount)
	return target, nil
}

// recordOutcome merges context updates and the engine-owned bookkeeping
// keys, in a fixed order so traces are auditable.
func (e *Engine) recordOutcome(node *model.Node, out runtime.Outcome) {
	e.Context.ApplyUpdates(out.ContextUpdates)
	e.Context.Set(node.ID+".status", string(out.Status))
	e.Context.Set(node.ID+".cost_usd", out.CostUSD)
	if strings.TrimSpace(out.Notes) != "" {
		e.Context.Set(node.ID+".notes", out.Notes)
	}
	e.Context.Set("outcome", string(out.Status))
	e.Context.Set("preferred_label", out.PreferredLabel)
	if out.FailureReason != "" {
		e.Context.Set("failure_reason", out.FailureReason)
	}

	e.totalCost += out.CostUSD
	e.Context.Set("total_cost", e.totalCost)
	e.stepCount++
	e.Context.Set("step_count", e.stepCount)

	e.state.record(node.ID, out)
	e.Context.Set("node_outcomes", statusMap(e.state))

	e.appendProgress(map[string]any{
		"event":          "node_completed",
		"node_id":        node.ID,
		"status":         string(out.Status),
		"failure_reason": out.FailureReason,
		"cost_usd":       out.CostUSD,
		"total_cost":     e.totalCost,
		"step_count":     e.stepCount,
	})
}

func statusMap(state *traversalState) map[string]string {
	out := make(map[string]string, len(state.outcomes))
	for id, rec := range state.outcomes {
		out[id] = string(rec.Outcome.Status)
	}
	return out
}

// executeWithRetry applies the in-node retry policy: exponential backoff
// up to the node's max_retries. Conditional nodes are routing points and
// execute exactly once. allow_partial converts an exhausted budget into
// partial_success.
func (e *Engine) executeWithRetry(ctx context.Context, node *model.Node) (runtime.Outcome, error) {
	kind := model.KindForNode(node)
	maxRetries := parseInt(node.Attr("max_retries", ""), 0)
	if maxRetries == 0 {
		maxRetries = parseInt(e.Graph.Attrs["default_max_retry"], 0)
	}
	if maxRetries < 0 || kind == model.KindConditional {
		maxRetries = 0
	}
	maxAttempts := maxRetries + 1
	allowPartial := strings.EqualFold(node.Attr("allow_partial", "false"), "true")

	var out runtime.Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.appendProgress(map[string]any{
			"event":   "node_attempt",
			"node_id": node.ID,
			"attempt": attempt,
			"max":     maxAttempts,
		})
		var err error
		out, err = e.dispatch(ctx, node)
		if err != nil {
			return out, err
		}
		if out.Status != runtime.StatusFail && out.Status != runtime.StatusRetry {
			return out, nil
		}
		if attempt == maxAttempts {
			break
		}
		delay := backoffDelayForNode(e.Options.SessionID, e.Graph, node, attempt)
		e.appendProgress(map[string]any{
			"event":    "retry_sleep",
			"node_id":  node.ID,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		})
		if !sleepWithContext(ctx, delay) {
			return out, ctx.Err()
		}
	}

	if allowPartial {
		po := runtime.Outcome{
			Status:        runtime.StatusPartialSuccess,
			Notes:         "retries exhausted, partial accepted",
			FailureReason: out.FailureReason,
			CostUSD:       out.CostUSD,
		}
		po, _ = po.Canonicalize()
		return po, nil
	}
	if out.Status == runtime.StatusRetry {
		out.Status = runtime.StatusFail
	}
	if out.FailureReason == "" {
		out.FailureReason = "max retries exceeded"
	}
	return out, nil
}

// dispatch resolves and runs the handler for one attempt, applying the
// node deadline and recovering panics into fail outcomes.
func (e *Engine) dispatch(ctx context.Context, node *model.Node) (runtime.Outcome, error) {
	h, err := e.Registry.Resolve(node)
	if err != nil {
		return runtime.Outcome{}, err
	}

	if timeout := effectiveTimeout(node, e.Options.StageTimeout); timeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ctx = cctx
	}

	stageDir := filepath.Join(e.Options.LogsRoot, node.ID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return runtime.Fail(err.Error()), err
	}

	var out runtime.Outcome
	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(rdebug.Stack())
				_ = os.WriteFile(filepath.Join(stageDir, "panic.txt"), []byte(fmt.Sprintf("%v\n\n%s", r, stack)), 0o644)
				out = runtime.Fail(fmt.Sprintf("panic: %v", r))
				out.Notes = "handler panic recovered"
				execErr = nil
			}
		}()
		out, execErr = h.Execute(ctx, &Execution{
			Graph:    e.Graph,
			Context:  e.Context,
			LogsRoot: e.Options.LogsRoot,
			Workdir:  e.Options.Workdir,
			Engine:   e,
		}, node)
	}()
	var suspended *SuspendedError
	if errors.As(execErr, &suspended) {
		return out, execErr
	}
	if execErr != nil {
		var missing *HandlerMissing
		if errors.As(execErr, &missing) {
			return out, execErr
		}
		out = runtime.Fail(execErr.Error())
	}
	// Deadline expiry is reported uniformly as a timeout failure.
	if ctx.Err() == context.DeadlineExceeded && out.Status != runtime.StatusFail {
		out = runtime.Fail("timeout")
	}

	co, cerr := out.Canonicalize()
	if cerr != nil {
		return runtime.Fail(cerr.Error()), nil
	}
	if err := co.Validate(); err != nil {
		if (co.Status == runtime.StatusFail || co.Status == runtime.StatusRetry) && co.FailureReason == "" {
			co.FailureReason = err.Error()
		}
	}
	_ = runtime.WriteJSONAtomicFile(filepath.Join(stageDir, "status.json"), co)
	return co, nil
}

// runBranch executes a fan-out child frame: traverse from startID until
// stopID over an isolated context, without checkpointing. Only the child's
// namespaced writes flow back through fan-in aggregation.
func (e *Engine) runBranch(ctx context.Context, startID, stopID string, branchCtx *runtime.Context) branchResult {
	res := branchResult{StartNodeID: startID}
	child := &Engine{
		Graph:       e.Graph,
		Options:     e.Options,
		Context:     branchCtx,
		Registry:    e.Registry,
		Backend:     e.Backend,
		Interviewer: e.Interviewer,
		state:       newTraversalState(),
	}
	child.Options.LogsRoot = filepath.Join(e.Options.LogsRoot, "branches", sanitizePathComponent(startID))

	current := startID
	for {
		if err := ctx.Err(); err != nil {
			res.Error = err.Error()
			res.Outcome = runtime.Fail(err.Error())
			return res
		}
		if current == stopID {
			break
		}
		node := child.Graph.Nodes[current]
		if node == nil {
			res.Error = "missing node: " + current
			res.Outcome = runtime.Fail(res.Error)
			return res
		}
		out, err := child.executeWithRetry(ctx, node)
		if err != nil {
			res.Error = err.Error()
			res.Outcome = runtime.Fail(res.Error)
			return res
		}
		child.recordOutcome(node, out)
		res.LastNodeID = node.ID
		res.Outcome = out
		if out.Status == runtime.StatusFail {
			break
		}
		next, err := selectNextEdge(child.Graph, node.ID, out, child.Context)
		if err != nil {
			res.Error = err.Error()
			res.Outcome = runtime.Fail(res.Error)
			return res
		}
		if next == nil {
			break
		}
		current = next.To
	}
	res.Completed = append([]string{}, child.state.completed...)
	res.Context = child.Context.SnapshotValues()
	if res.Outcome.Status == "" {
		res.Outcome = runtime.Success("branch empty")
	}
	return res
}

func sanitizePathComponent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// checkpoint persists the progress snapshot. Failures are fatal unless the
// caller opted into best-effort mode.
func (e *Engine) checkpoint(currentNode string) error {
	cp := runtime.NewCheckpoint()
	cp.SessionID = e.Options.SessionID
	cp.CurrentNode = currentNode
	cp.CompletedNodes = append([]string{}, e.state.completed...)
	cp.NodeOutcomes = e.state.outcomeMap()
	cp.ContextValues = e.Context.SnapshotValues()
	cp.Logs = e.Context.SnapshotLogs()
	cp.TotalCost = e.totalCost
	cp.StepCount = e.stepCount
	cp.Timestamp = time.Now().UTC()

	path := runtime.Path(e.Options.LogsRoot, e.Options.SessionID)
	if err := cp.Save(path); err != nil {
		if e.Options.BestEffortCheckpoints {
			e.Warn(fmt.Sprintf("checkpoint write failed (best-effort): %v", err))
			return nil
		}
		return &CheckpointError{Err: err}
	}
	e.lastCheckpointPath = path
	return nil
}

func (e *Engine) checkpointBestEffort(currentNode string) {
	was := e.Options.BestEffortCheckpoints
	e.Options.BestEffortCheckpoints = true
	_ = e.checkpoint(currentNode)
	e.Options.BestEffortCheckpoints = was
}

// persistFinal writes final.json and the glob-filtered run archive.
func (e *Engine) persistFinal(status runtime.FinalStatus, reason string) {
	final := runtime.FinalOutcome{
		Timestamp:      time.Now().UTC(),
		Status:         status,
		SessionID:      e.Options.SessionID,
		FailureReason:  reason,
		CheckpointPath: e.lastCheckpointPath,
	}
	_ = final.Save(filepath.Join(e.Options.LogsRoot, "final.json"))
	if err := writeRunArchive(e.Options.LogsRoot, e.Graph); err != nil {
		e.Warn(fmt.Sprintf("run archive: %v", err))
	}
}

func (e *Engine) result(status runtime.FinalStatus) *Result {
	return &Result{
		SessionID:      e.Options.SessionID,
		FinalStatus:    status,
		CompletedNodes: append([]string{}, e.state.completed...),
		TotalCost:      e.totalCost,
		StepCount:      e.stepCount,
		CheckpointPath: e.lastCheckpointPath,
		Warnings:       e.warningsCopy(),
	}
}

func (e *Engine) backend() CodergenBackend {
	if e.Backend != nil {
		return e.Backend
	}
	return &SimulatedBackend{}
}

func (e *Engine) takeHumanResponse() string {
	e.humanResponseMu.Lock()
	defer e.humanResponseMu.Unlock()
	resp := e.humanResponse
	e.humanResponse = ""
	return resp
}

func (e *Engine) Warn(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.warningsMu.Lock()
	e.warnings = append(e.warnings, msg)
	e.warningsMu.Unlock()
	e.appendProgress(map[string]any{"event": "warning", "message": msg})
}

func (e *Engine) warningsCopy() []string {
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string{}, e.warnings...)
}

// appendProgress writes one NDJSON event and mirrors it to live.json.
// Best-effort: observability must never fail the run.
func (e *Engine) appendProgress(ev map[string]any) {
	if ev == nil {
		return
	}
	ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	ev["session_id"] = e.Options.SessionID
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	if err := os.MkdirAll(e.Options.LogsRoot, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(e.Options.LogsRoot, "progress.ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	_, _ = f.Write(append(b, '\n'))
	_ = f.Close()
	_ = runtime.WriteFileAtomic(filepath.Join(e.Options.LogsRoot, "live.json"), append(b, '\n'))
}

func effectiveTimeout(node *model.Node, global time.Duration) time.Duration {
	nodeTimeout := parseDuration(node.Attr("timeout", ""), 0)
	switch {
	case nodeTimeout > 0 && global > 0:
		if nodeTimeout < global {
			return nodeTimeout
		}
		return global
	case nodeTimeout > 0:
		return nodeTimeout
	case global > 0:
		return global
	default:
		return 0
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
