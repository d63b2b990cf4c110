package graph

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crozzbite/phylactery/pkg/approval"
	"github.com/crozzbite/phylactery/pkg/audit"
	"github.com/crozzbite/phylactery/pkg/canonical"
	"github.com/crozzbite/phylactery/pkg/dlp"
	"github.com/crozzbite/phylactery/pkg/eviction"
	"github.com/crozzbite/phylactery/pkg/risk"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type stubOracle struct {
	plan     []string
	planErr  error
	nextTool func(s *State) (string, map[string]any, error)
	respond  string
}

func (o *stubOracle) Plan(context.Context, *State) ([]string, error) {
	return o.plan, o.planErr
}

func (o *stubOracle) NextTool(_ context.Context, s *State) (string, map[string]any, error) {
	if o.nextTool == nil {
		return "", nil, errors.New("no tool configured")
	}
	return o.nextTool(s)
}

func (o *stubOracle) Respond(context.Context, *State) (string, error) {
	if o.respond == "" {
		return "All set.", nil
	}
	return o.respond, nil
}

type stubInvoker struct {
	output string
	err    error
	calls  int
}

func (i *stubInvoker) Invoke(context.Context, string, map[string]any) (string, error) {
	i.calls++
	if i.err != nil {
		return "", i.err
	}
	return i.output, nil
}

type memPersister struct{ saves int }

func (p *memPersister) Save(context.Context, *State) error {
	p.saves++
	return nil
}

type stubMetrics struct {
	risk      []string
	approvals []string
	evictions []int
}

func (m *stubMetrics) RecordRiskDecision(_ context.Context, decision, reason string) {
	m.risk = append(m.risk, decision+":"+reason)
}

func (m *stubMetrics) RecordApproval(_ context.Context, outcome string) {
	m.approvals = append(m.approvals, outcome)
}

func (m *stubMetrics) RecordEviction(_ context.Context, sizeChars int) {
	m.evictions = append(m.evictions, sizeChars)
}

type fixture struct {
	rt      *Runtime
	oracle  *stubOracle
	invoker *stubInvoker
	rec     *audit.MemoryRecorder
	store   *eviction.Store
	metrics *stubMetrics
	clock   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Unix(1_700_000_000, 0)
	f := &fixture{clock: &now}
	clock := func() time.Time { return *f.clock }

	scanner, err := dlp.NewScanner()
	require.NoError(t, err)
	f.rec = audit.NewMemoryRecorder().WithClock(clock)

	engine, err := risk.NewEngine(risk.Policy{
		WorkspaceRoot: "/srv/work",
		Honeytokens:   []string{"HONEY-7f3a"},
		Honeyfiles:    []string{"admin_backup.json"},
		ToolTiers: map[string]risk.Level{
			"read_file":  risk.LevelLow,
			"send_email": risk.LevelHigh,
		},
		WriteTools: []string{"send_email"},
	}, scanner, f.rec)
	require.NoError(t, err)

	replay := approval.NewMemoryReplayStore()
	tokens, err := approval.NewManager(testSecret, replay, true, approval.WithClock(clock))
	require.NoError(t, err)

	f.store, err = eviction.NewStore(t.TempDir())
	require.NoError(t, err)

	f.oracle = &stubOracle{}
	f.invoker = &stubInvoker{output: "ok"}
	f.metrics = &stubMetrics{}
	f.rt = NewRuntime(
		f.oracle, f.invoker, engine, tokens, f.store, &memPersister{}, f.rec,
		WithClock(clock), WithDevMode(true), WithMetrics(f.metrics),
	)
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func runTurn(t *testing.T, f *fixture, s *State, userMsg string) {
	t.Helper()
	s.AppendMessage(RoleUser, userMsg)
	require.NoError(t, f.rt.RunTurn(context.Background(), s))
}

func lastAssistant(s *State) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

func TestTurn_ConversationGoesStraightToFinalizer(t *testing.T) {
	f := newFixture(t)
	f.oracle.respond = "Hello there."
	s := NewState("t1", "u1", IntentConversation)

	runTurn(t, f, s, "hi")

	assert.Equal(t, "Hello there.", lastAssistant(s))
	assert.Empty(t, s.Plan)
	assert.Nil(t, s.ProposedTool)
}

func TestTurn_LowTierToolRunsWithoutApproval(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"read the notes"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "notes.md"}, nil
	}
	f.invoker.output = "notes contents"
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "read my notes")

	assert.Equal(t, 1, f.invoker.calls)
	require.NotNil(t, s.LastToolResult)
	assert.Equal(t, StatusSuccess, s.LastToolResult.Status)
	assert.Equal(t, "notes contents", s.LastToolResult.Output)
	assert.Equal(t, StepDone, s.StepStatus[0])
	assert.Nil(t, s.ProposedTool)
	assert.False(t, s.AwaitingApproval)
	assert.Len(t, f.rec.ByKind(audit.KindToolExecuted), 1)
}

func approvalReply(t *testing.T, s *State) (id, token string) {
	t.Helper()
	msg := lastAssistant(s)
	m := regexp.MustCompile(`APROBAR (\S+) (\S+) `).FindStringSubmatch(msg)
	require.NotNil(t, m, "no approval challenge in %q", msg)
	return m[1], m[2]
}

func TestTurn_HITLApprovalEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"send the email"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "send_email", map[string]any{"to": "boss@acme.com", "body": "hi"}, nil
	}
	f.invoker.output = "email sent"
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "send email to boss")

	// Turn paused on the challenge; nothing executed yet.
	assert.True(t, s.AwaitingApproval)
	assert.NotEmpty(t, s.ApprovalID)
	assert.Len(t, s.ApprovalID, 16)
	assert.Equal(t, 0, f.invoker.calls)
	require.NotNil(t, s.ProposedTool)
	assert.Equal(t, s.ProposedTool.ArgsHash, s.ApprovalHash)
	assert.Len(t, f.rec.ByKind(audit.KindApprovalRequired), 1)

	id, token := approvalReply(t, s)
	runTurn(t, f, s, "APROBAR "+id+" "+token)

	assert.Equal(t, 1, f.invoker.calls)
	assert.False(t, s.AwaitingApproval)
	assert.Nil(t, s.ProposedTool)
	assert.Equal(t, StepDone, s.StepStatus[0])
	assert.Len(t, f.rec.ByKind(audit.KindApprovalGranted), 1)
}

func TestTurn_RejectionSkipsExecution(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"send the email"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "send_email", map[string]any{"to": "boss@acme.com", "body": "hi"}, nil
	}
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "send email to boss")
	require.True(t, s.AwaitingApproval)
	id := s.ApprovalID

	runTurn(t, f, s, "RECHAZAR "+id)

	assert.Equal(t, 0, f.invoker.calls)
	require.NotNil(t, s.LastToolResult)
	assert.Equal(t, ReasonUserRejected, s.LastToolResult.Reason)
	assert.Len(t, f.rec.ByKind(audit.KindApprovalRejected), 1)

	// The supervisor spends another try, so the turn pauses on a fresh
	// challenge with a new id.
	assert.True(t, s.AwaitingApproval)
	assert.NotEqual(t, id, s.ApprovalID)
	assert.Equal(t, 2, s.Tries[0])
}

func TestTurn_TokenReplayRefused(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"send the email"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "send_email", map[string]any{"to": "boss@acme.com", "body": "hi"}, nil
	}
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "send email to boss")
	id, token := approvalReply(t, s)
	runTurn(t, f, s, "APROBAR "+id+" "+token)
	require.Equal(t, 1, f.invoker.calls)

	// A second challenge for the retried step cannot be satisfied by the
	// consumed token.
	s2 := NewState("t1", "u1", IntentTask)
	s2.Plan = []string{"send the email"}
	s2.StepStatus = map[int]string{0: StepPending}
	s2.Tries = map[int]int{0: 0}
	runTurn(t, f, s2, "send it again")
	require.True(t, s2.AwaitingApproval)

	firstChallenge := s2.ApprovalID
	runTurn(t, f, s2, "APROBAR "+firstChallenge+" "+token)

	assert.Equal(t, 1, f.invoker.calls)
	assert.NotEmpty(t, f.rec.ByKind(audit.KindApprovalInvalid))
	// Refusal re-proposes and pauses on a new challenge.
	assert.True(t, s2.AwaitingApproval)
	assert.NotEqual(t, firstChallenge, s2.ApprovalID)
}

func TestTurn_ExpiredApproval(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"send the email"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "send_email", map[string]any{"to": "boss@acme.com", "body": "hi"}, nil
	}
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "send email to boss")
	id, token := approvalReply(t, s)

	f.advance(301 * time.Second)
	runTurn(t, f, s, "APROBAR "+id+" "+token)

	assert.Equal(t, 0, f.invoker.calls)
	require.NotNil(t, s.LastToolResult)
	assert.Equal(t, ReasonApprovalExpired, s.LastToolResult.Reason)
	assert.Len(t, f.rec.ByKind(audit.KindApprovalExpired), 1)
	assert.NotEqual(t, id, s.ApprovalID)
}

func TestTurn_HoneytokenBlockedCritical(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"read the backup"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "admin_backup.json"}, nil
	}
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "read the admin backup")

	assert.Equal(t, 0, f.invoker.calls)
	require.NotNil(t, s.LastToolResult)
	assert.Equal(t, StatusFailed, s.LastToolResult.Status)
	assert.Equal(t, ReasonPolicyBlocked, s.LastToolResult.Reason)

	blocked := f.rec.ByKind(audit.KindProposalBlocked)
	require.NotEmpty(t, blocked)
	assert.Equal(t, audit.SeverityCritical, blocked[0].Severity)
	assert.Equal(t, risk.ReasonHoneytoken, blocked[0].Reason)
}

func TestRiskGate_IntegrityTamper(t *testing.T) {
	f := newFixture(t)
	s := NewState("t1", "u1", IntentTask)
	s.Plan = []string{"read"}
	s.StepStatus = map[int]string{0: StepRunning}
	s.Tries = map[int]int{0: 1}

	args := map[string]any{"path": "notes.md"}
	canonicalArgs, _, err := canonical.CanonicalizeArgs(args)
	require.NoError(t, err)
	s.ProposedTool = &ProposedTool{
		Name:          "read_file",
		Args:          args,
		CanonicalArgs: canonicalArgs,
		ArgsHash:      strings.Repeat("0", 64),
		ToolCallID:    "call-1",
	}

	next, err := f.rt.riskGate(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, NodeInterpreter, next)
	assert.Nil(t, s.ProposedTool)
	require.NotNil(t, s.LastToolResult)
	assert.Equal(t, ReasonIntegrityMismatch, s.LastToolResult.Reason)
	assert.Equal(t, 0, f.invoker.calls)
	assert.Len(t, f.rec.ByKind(audit.KindIntegrityMismatch), 1)
}

func TestTurn_EvictionBoundaries(t *testing.T) {
	cases := []struct {
		name        string
		size        int
		wantEvicted bool
		wantRehyd   bool
	}{
		{"at threshold stays inline", 10_000, false, true},
		{"one over is evicted", 10_001, true, true},
		{"at rehydration limit", 50_000, true, true},
		{"over rehydration limit", 50_001, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.oracle.plan = []string{"read the big file"}
			f.oracle.nextTool = func(*State) (string, map[string]any, error) {
				return "read_file", map[string]any{"path": "big.txt"}, nil
			}
			f.invoker.output = strings.Repeat("x", tc.size)
			s := NewState("t1", "u1", IntentTask)

			runTurn(t, f, s, "read the big file")

			res := s.LastToolResult
			require.NotNil(t, res)
			assert.Equal(t, StatusSuccess, res.Status)
			assert.Equal(t, tc.size, res.SizeChars)
			assert.Equal(t, tc.wantEvicted, res.Evicted)
			assert.Equal(t, tc.wantRehyd, res.RehydrationAllowed)

			if tc.wantEvicted {
				assert.Contains(t, res.Output, "[EVICTED size=")
				assert.Len(t, res.Summary, summaryChars)
				data, err := f.store.Load(res.Pointer)
				require.NoError(t, err)
				assert.Len(t, data, tc.size)
			} else {
				assert.Equal(t, f.invoker.output, res.Output)
				assert.Empty(t, res.Summary)
			}
		})
	}
}

func TestTurn_EvictionCountsCharactersNotBytes(t *testing.T) {
	cases := []struct {
		name        string
		runes       int
		wantEvicted bool
	}{
		{"at threshold stays inline", 10_000, false},
		{"one over is evicted", 10_001, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.oracle.plan = []string{"read the big file"}
			f.oracle.nextTool = func(*State) (string, map[string]any, error) {
				return "read_file", map[string]any{"path": "big.txt"}, nil
			}
			// Two bytes per rune: byte length alone would evict both.
			f.invoker.output = strings.Repeat("é", tc.runes)
			s := NewState("t1", "u1", IntentTask)

			runTurn(t, f, s, "read the big file")

			res := s.LastToolResult
			require.NotNil(t, res)
			assert.Equal(t, tc.runes, res.SizeChars)
			assert.Equal(t, tc.wantEvicted, res.Evicted)
			if tc.wantEvicted {
				assert.Equal(t, summaryChars, utf8.RuneCountInString(res.Summary))
				data, err := f.store.Load(res.Pointer)
				require.NoError(t, err)
				assert.Equal(t, f.invoker.output, string(data))
			}
		})
	}
}

func TestTools_ReplayedCallIsNotReexecuted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := NewState("t1", "u1", IntentTask)
	s.Plan = []string{"read"}
	s.StepStatus = map[int]string{0: StepRunning}
	s.Tries = map[int]int{0: 1}

	p := &ProposedTool{
		Name:       "read_file",
		Args:       map[string]any{"path": "notes.md"},
		ArgsHash:   strings.Repeat("a", 64),
		ToolCallID: "call-dup",
	}
	s.ProposedTool = p
	f.invoker.output = "first"

	next, err := f.rt.toolsNode(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, NodeInterpreter, next)

	// Same tool_call_id again: the recorded output is replayed, and the
	// replay is audited under its own kind.
	s.ProposedTool = p
	f.invoker.output = "second"
	next, err = f.rt.toolsNode(ctx, s)
	require.NoError(t, err)

	assert.Equal(t, NodeInterpreter, next)
	assert.Equal(t, 1, f.invoker.calls)
	assert.Equal(t, "first", s.LastToolResult.Output)
	assert.Len(t, f.rec.ByKind(audit.KindToolExecuted), 1)
	assert.Len(t, f.rec.ByKind(audit.KindToolReplayed), 1)
}

func TestTurn_MetricsRecorded(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"read the big file"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "big.txt"}, nil
	}
	f.invoker.output = strings.Repeat("x", 10_001)
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "read the big file")

	assert.Equal(t, []string{"Allow:TIER_POLICY"}, f.metrics.risk)
	assert.Equal(t, []int{10_001}, f.metrics.evictions)
	assert.Empty(t, f.metrics.approvals)
}

func TestTurn_ApprovalOutcomeMetrics(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"send the email"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "send_email", map[string]any{"to": "boss@acme.com", "body": "hi"}, nil
	}
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "send email to boss")
	require.True(t, s.AwaitingApproval)
	require.Equal(t, []string{"AuthRequired:TIER_POLICY"}, f.metrics.risk)

	runTurn(t, f, s, "RECHAZAR "+s.ApprovalID)
	assert.Equal(t, []string{"rejected"}, f.metrics.approvals)

	id, token := approvalReply(t, s)
	runTurn(t, f, s, "APROBAR "+id+" "+token)

	assert.Equal(t, []string{"rejected", "granted"}, f.metrics.approvals)
	assert.Equal(t, 1, f.invoker.calls)
}

func TestTurn_TriesEscalation(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"flaky step"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "gone.md"}, nil
	}
	f.invoker.err = errors.New("file not found")
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "do the flaky thing")

	// One turn drives the retry loop: three failed attempts, then
	// escalation to the user.
	assert.Equal(t, MaxTries, f.invoker.calls)
	assert.Equal(t, StepFailed, s.StepStatus[0])
	assert.Equal(t, MaxTries, s.Tries[0])
	assert.True(t, s.AwaitingUserInput)
	assert.NotEmpty(t, s.Question)
	assert.Len(t, f.rec.ByKind(audit.KindStepFailed), 1)
	assert.Contains(t, lastAssistant(s), "How should I proceed?")
}

func TestTurn_UserReplyReopensFailedStep(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"flaky step"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "gone.md"}, nil
	}
	f.invoker.err = errors.New("file not found")
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "do the flaky thing")
	require.True(t, s.AwaitingUserInput)

	f.invoker.err = nil
	f.invoker.output = "found it"
	runTurn(t, f, s, "the file moved, try again")

	assert.False(t, s.AwaitingUserInput)
	assert.Equal(t, StepDone, s.StepStatus[0])
}

func TestTurn_ApprovalConfusionMessagesGoToSupervisor(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"send the email"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "send_email", map[string]any{"to": "boss@acme.com", "body": "hi"}, nil
	}
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "send email to boss")
	require.True(t, s.AwaitingApproval)

	for _, msg := range []string{
		"APROBAR",
		"aprobar " + s.ApprovalID + " sometoken123",
		"please APROBAR " + s.ApprovalID + " sometoken123",
		"APROBAR " + s.ApprovalID + " bad token with spaces",
	} {
		assert.False(t, approveRe.MatchString(msg), "matched %q", msg)
	}

	// The token class bottoms out at six characters.
	assert.True(t, approveRe.MatchString("APROBAR "+s.ApprovalID+" abc123"))
	assert.False(t, approveRe.MatchString("APROBAR "+s.ApprovalID+" abc12"))
}

func TestTurn_ShortGarbageTokenRejected(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"send the email"}
	f.oracle.nextTool = func(*State) (string, map[string]any, error) {
		return "send_email", map[string]any{"to": "boss@acme.com", "body": "hi"}, nil
	}
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "send email to boss")
	require.True(t, s.AwaitingApproval)
	id := s.ApprovalID

	// Six characters clears the grammar but not the signature check.
	runTurn(t, f, s, "APROBAR "+id+" abc123")

	assert.Equal(t, 0, f.invoker.calls)
	require.NotEmpty(t, f.rec.ByKind(audit.KindApprovalInvalid))
	assert.Contains(t, f.metrics.approvals, "invalid")
	assert.True(t, s.AwaitingApproval)
	assert.NotEqual(t, id, s.ApprovalID)
}

func TestTurn_CancelledThreadDoesNotRun(t *testing.T) {
	f := newFixture(t)
	s := NewState("t1", "u1", IntentConversation)
	s.Cancelled = true

	err := f.rt.RunTurn(context.Background(), s)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, s.Messages)
}

func TestTurn_PlannerInitializesTracking(t *testing.T) {
	f := newFixture(t)
	f.oracle.plan = []string{"a", "b"}
	f.oracle.nextTool = func(s *State) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "x.md"}, nil
	}
	s := NewState("t1", "u1", IntentTask)

	runTurn(t, f, s, "do two things")

	assert.Equal(t, []string{"a", "b"}, s.Plan)
	assert.Equal(t, StepDone, s.StepStatus[0])
	assert.Equal(t, StepDone, s.StepStatus[1])
	assert.True(t, s.PlanExhausted())
}
