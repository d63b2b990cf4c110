package graph

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/crozzbite/phylactery/pkg/audit"
	"github.com/crozzbite/phylactery/pkg/risk"
)

// NodeID names one node of the execution graph.
type NodeID string

const (
	NodeRouter          NodeID = "router"
	NodePlanner         NodeID = "planner"
	NodeSupervisor      NodeID = "supervisor"
	NodeExecutor        NodeID = "executor"
	NodeRiskGate        NodeID = "risk_gate"
	NodeAwaitApproval   NodeID = "await_approval"
	NodeApprovalHandler NodeID = "approval_handler"
	NodeTools           NodeID = "tools"
	NodeInterpreter     NodeID = "interpreter"
	NodeFinalizer       NodeID = "finalizer"

	// END terminates the current turn.
	END NodeID = "end"
)

// Protocol limits.
const (
	// EvictionThreshold is the output size in characters above which the
	// Interpreter moves content to the eviction store.
	EvictionThreshold = 10_000
	// RehydrationLimit caps the original size for which rehydration of an
	// evicted output stays allowed.
	RehydrationLimit = 50_000
	// MaxTries bounds retries per plan step.
	MaxTries = 3
	// ApprovalTTL is the lifetime of a pending approval and its token.
	ApprovalTTL = 300 * time.Second

	summaryChars = 500

	// maxTransitions caps node dispatches per turn. Normal turns use well
	// under ten; hitting the cap means a routing bug, not a long task.
	maxTransitions = 64
)

var (
	// ErrCancelled reports a turn attempted on a cancelled thread.
	ErrCancelled = errors.New("graph: thread cancelled")
	// ErrTurnOverflow reports a turn that exceeded the transition cap.
	ErrTurnOverflow = errors.New("graph: transition cap exceeded")
)

// Oracle is the external reasoning core. The runtime treats its outputs as
// untrusted: canonical forms and hashes are always recomputed inside.
type Oracle interface {
	// Plan turns the latest request into an ordered list of step
	// descriptors.
	Plan(ctx context.Context, s *State) ([]string, error)
	// NextTool picks the tool call for the current step.
	NextTool(ctx context.Context, s *State) (name string, args map[string]any, err error)
	// Respond composes the closing assistant message for this turn.
	Respond(ctx context.Context, s *State) (string, error)
}

// ToolInvoker is the physical tool substrate.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Persister saves the snapshot after every node.
type Persister interface {
	Save(ctx context.Context, s *State) error
}

// Evictor stores oversized outputs out of band.
type Evictor interface {
	Save(threadID string, content []byte) (string, error)
}

// Approver issues and atomically consumes approval tokens.
type Approver interface {
	Sign(payload string) (string, error)
	VerifyAndConsume(ctx context.Context, token, payload string, maxAge time.Duration) bool
}

// RiskEvaluator classifies tool proposals.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, req risk.Request) risk.RiskDecision
}

// Metrics receives runtime counters. The observability provider satisfies it;
// a nil Metrics disables recording.
type Metrics interface {
	RecordRiskDecision(ctx context.Context, decision, reason string)
	RecordApproval(ctx context.Context, outcome string)
	RecordEviction(ctx context.Context, sizeChars int)
}

type nodeFunc func(ctx context.Context, s *State) (NodeID, error)

// Runtime dispatches graph nodes over a thread's state. One Runtime serves
// all threads; per-thread serialization is the caller's concern.
type Runtime struct {
	oracle  Oracle
	tools   ToolInvoker
	risk    RiskEvaluator
	tokens  Approver
	evictor Evictor
	persist Persister
	rec     audit.Recorder
	log     *slog.Logger

	now      func() time.Time
	rand     io.Reader
	devMode  bool
	observer func(node NodeID)
	metrics  Metrics

	nodes map[NodeID]nodeFunc

	execMu   sync.Mutex
	executed map[string]string
}

// Option adjusts runtime construction.
type Option func(*Runtime)

// WithClock pins the runtime clock.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// WithRand overrides the randomness source for approval ids.
func WithRand(rd io.Reader) Option {
	return func(r *Runtime) { r.rand = rd }
}

// WithDevMode surfaces approval tokens in assistant messages. Never enable
// outside development.
func WithDevMode(dev bool) Option {
	return func(r *Runtime) { r.devMode = dev }
}

// WithNodeObserver registers a callback invoked before each node dispatch.
func WithNodeObserver(fn func(node NodeID)) Option {
	return func(r *Runtime) { r.observer = fn }
}

// WithMetrics registers the counter sink for risk decisions, approval
// outcomes, and evictions.
func WithMetrics(m Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// NewRuntime wires the graph over its collaborators.
func NewRuntime(
	oracle Oracle,
	tools ToolInvoker,
	riskEngine RiskEvaluator,
	tokens Approver,
	evictor Evictor,
	persist Persister,
	rec audit.Recorder,
	opts ...Option,
) *Runtime {
	r := &Runtime{
		oracle:   oracle,
		tools:    tools,
		risk:     riskEngine,
		tokens:   tokens,
		evictor:  evictor,
		persist:  persist,
		rec:      rec,
		log:      slog.Default().With("component", "graph"),
		now:      time.Now,
		rand:     rand.Reader,
		executed: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.nodes = map[NodeID]nodeFunc{
		NodeRouter:          r.router,
		NodePlanner:         r.planner,
		NodeSupervisor:      r.supervisor,
		NodeExecutor:        r.executor,
		NodeRiskGate:        r.riskGate,
		NodeAwaitApproval:   r.awaitApproval,
		NodeApprovalHandler: r.approvalHandler,
		NodeTools:           r.toolsNode,
		NodeInterpreter:     r.interpreter,
		NodeFinalizer:       r.finalizer,
	}
	return r
}

// RunTurn executes one graph turn starting at the Router. The snapshot is
// persisted after every node; a node error aborts the turn with the last
// persisted state intact.
func (r *Runtime) RunTurn(ctx context.Context, s *State) error {
	if s.Cancelled {
		return ErrCancelled
	}

	node := NodeRouter
	for i := 0; i < maxTransitions; i++ {
		if node == END {
			return nil
		}
		fn, ok := r.nodes[node]
		if !ok {
			return fmt.Errorf("graph: unknown node %q", node)
		}
		if r.observer != nil {
			r.observer(node)
		}

		next, err := fn(ctx, s)
		if err != nil {
			return err
		}
		if err := r.persist.Save(ctx, s); err != nil {
			return fmt.Errorf("graph: persist after %s: %w", node, err)
		}
		if s.Cancelled {
			return nil
		}
		node = next
	}
	return ErrTurnOverflow
}

// audit appends one entry to the persistent log and mirrors it into the
// snapshot's audit trail.
func (r *Runtime) audit(s *State, e audit.Entry) {
	e.ThreadID = s.ThreadID
	e.UserID = s.UserID
	persisted, err := r.rec.Append(e)
	if err != nil {
		r.log.Error("audit append failed", "thread", s.ThreadID, "kind", e.Kind, "error", err)
		persisted = e
		persisted.TS = r.now().Unix()
	}
	s.AuditTrail = append(s.AuditTrail, AuditRef{
		TS:       persisted.TS,
		Kind:     e.Kind,
		Decision: e.Decision,
		Reason:   e.Reason,
	})
}

// newApprovalID draws a 16 character url-safe identifier.
func (r *Runtime) newApprovalID() (string, error) {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		return "", fmt.Errorf("graph: approval id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
