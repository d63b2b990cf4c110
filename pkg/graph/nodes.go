package graph

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/crozzbite/phylactery/pkg/approval"
	"github.com/crozzbite/phylactery/pkg/audit"
	"github.com/crozzbite/phylactery/pkg/canonical"
	"github.com/crozzbite/phylactery/pkg/risk"
)

// Approval reply grammar. Anchored with bounded url-safe classes so a
// crafted message cannot smuggle a second command or a partial match.
var (
	approveRe = regexp.MustCompile(`^APROBAR ([A-Za-z0-9_-]{6,}) ([A-Za-z0-9._-]{6,})$`)
	rejectRe  = regexp.MustCompile(`^RECHAZAR ([A-Za-z0-9_-]{6,})$`)
)

// router applies the ingress decision table over the latest user message.
func (r *Runtime) router(_ context.Context, s *State) (NodeID, error) {
	msg := s.LastUserMessage()

	if s.AwaitingApproval {
		if approveRe.MatchString(msg) || rejectRe.MatchString(msg) {
			return NodeApprovalHandler, nil
		}
		// Anything else while paused is new information for the
		// Supervisor, not an approval verdict.
		return NodeSupervisor, nil
	}

	if s.AwaitingUserInput {
		// The user answered the escalation question. Reopen the failed
		// step with a fresh retry budget.
		s.AwaitingUserInput = false
		s.Question = ""
		if !s.PlanExhausted() {
			s.Tries[s.CurrentStep] = 0
			s.StepStatus[s.CurrentStep] = StepPending
		}
		return NodeSupervisor, nil
	}

	if s.Intent == IntentConversation {
		return NodeFinalizer, nil
	}
	if s.Intent == IntentTask && len(s.Plan) == 0 {
		return NodePlanner, nil
	}
	return NodeSupervisor, nil
}

// planner asks the oracle for an ordered step list and initializes the
// tracking maps.
func (r *Runtime) planner(ctx context.Context, s *State) (NodeID, error) {
	steps, err := r.oracle.Plan(ctx, s)
	if err != nil {
		return END, fmt.Errorf("graph: planner oracle: %w", err)
	}

	s.Plan = steps
	s.CurrentStep = 0
	s.StepStatus = make(map[int]string, len(steps))
	s.Tries = make(map[int]int, len(steps))
	for i := range steps {
		s.StepStatus[i] = StepPending
		s.Tries[i] = 0
	}
	return NodeSupervisor, nil
}

// supervisor advances past completed steps, escalates steps out of retry
// budget, and otherwise spends one try on the current step.
func (r *Runtime) supervisor(_ context.Context, s *State) (NodeID, error) {
	for !s.PlanExhausted() && s.StepStatus[s.CurrentStep] == StepDone {
		s.CurrentStep++
	}
	if s.PlanExhausted() {
		return NodeFinalizer, nil
	}

	if s.Tries[s.CurrentStep] >= MaxTries {
		if !s.AwaitingUserInput {
			s.StepStatus[s.CurrentStep] = StepFailed
			s.AwaitingUserInput = true
			s.Question = fmt.Sprintf(
				"Step %d (%s) failed after %d attempts. How should I proceed?",
				s.CurrentStep, s.Plan[s.CurrentStep], MaxTries)
			r.audit(s, audit.Entry{
				Kind:   audit.KindStepFailed,
				Reason: "MAX_TRIES",
				Extra:  map[string]any{"step": s.CurrentStep},
			})
		}
		return NodeFinalizer, nil
	}

	s.Tries[s.CurrentStep]++
	s.StepStatus[s.CurrentStep] = StepRunning
	return NodeExecutor, nil
}

// executor obtains the next tool call from the oracle and builds the
// integrity-bound proposal. Canonical form and hash are computed here and
// re-verified at the gate.
func (r *Runtime) executor(ctx context.Context, s *State) (NodeID, error) {
	name, args, err := r.oracle.NextTool(ctx, s)
	if err != nil {
		r.log.Warn("executor oracle failed", "thread", s.ThreadID, "error", err)
		s.LastToolResult = &ToolResult{
			Status: StatusFailed,
			Reason: ReasonToolError,
			Output: err.Error(),
		}
		return NodeSupervisor, nil
	}

	canonicalArgs, argsHash, err := canonical.CanonicalizeArgs(args)
	if err != nil {
		s.LastToolResult = &ToolResult{
			Status: StatusFailed,
			Reason: ReasonIntegrityMismatch,
			Output: err.Error(),
		}
		s.StepStatus[s.CurrentStep] = StepFailed
		return NodeSupervisor, nil
	}

	s.ProposedTool = &ProposedTool{
		Name:          name,
		Args:          args,
		CanonicalArgs: canonicalArgs,
		ArgsHash:      argsHash,
		ToolCallID:    uuid.New().String(),
		StepIdx:       s.CurrentStep,
		CreatedAt:     r.now().Unix(),
	}
	r.audit(s, audit.Entry{
		Kind:     audit.KindToolProposed,
		ToolName: name,
		ArgsHash: argsHash,
	})
	return NodeRiskGate, nil
}

// riskGate is the chokepoint. Nothing from the proposal is trusted: the
// canonical form and hash are recomputed and compared before the risk engine
// ever sees the call.
func (r *Runtime) riskGate(ctx context.Context, s *State) (NodeID, error) {
	p := s.ProposedTool
	if p == nil {
		return NodeSupervisor, nil
	}

	canonicalArgs, argsHash, err := canonical.CanonicalizeArgs(p.Args)
	if err != nil || canonicalArgs != p.CanonicalArgs || argsHash != p.ArgsHash {
		s.ProposedTool = nil
		s.LastToolResult = &ToolResult{
			Status: StatusFailed,
			Reason: ReasonIntegrityMismatch,
		}
		r.audit(s, audit.Entry{
			Kind:     audit.KindIntegrityMismatch,
			ToolName: p.Name,
			ArgsHash: p.ArgsHash,
			Reason:   ReasonIntegrityMismatch,
		})
		return NodeInterpreter, nil
	}

	decision := r.risk.Evaluate(ctx, risk.Request{
		ThreadID:      s.ThreadID,
		UserID:        s.UserID,
		ToolName:      p.Name,
		CanonicalArgs: canonicalArgs,
		ArgsHash:      argsHash,
	})
	if r.metrics != nil {
		r.metrics.RecordRiskDecision(ctx, string(decision.Decision), decision.Reason)
	}

	switch decision.Decision {
	case risk.Blocked:
		s.ProposedTool = nil
		s.LastToolResult = &ToolResult{
			Status: StatusFailed,
			Reason: ReasonPolicyBlocked,
			Output: decision.Reason,
		}
		severity := ""
		if decision.Reason == risk.ReasonHoneytoken || decision.Reason == risk.ReasonSecretEgress {
			severity = audit.SeverityCritical
		}
		r.audit(s, audit.Entry{
			Kind:     audit.KindProposalBlocked,
			ToolName: p.Name,
			ArgsHash: argsHash,
			Decision: string(decision.Decision),
			Reason:   decision.Reason,
			Severity: severity,
		})
		return NodeInterpreter, nil

	case risk.AuthRequired:
		id, err := r.newApprovalID()
		if err != nil {
			return END, err
		}
		s.ApprovalID = id
		s.ApprovalHash = argsHash
		s.ApprovalExpiresAt = r.now().Add(ApprovalTTL).Unix()
		s.AwaitingApproval = true
		r.audit(s, audit.Entry{
			Kind:     audit.KindApprovalRequired,
			ToolName: p.Name,
			ArgsHash: argsHash,
			Decision: string(decision.Decision),
			Reason:   decision.Reason,
		})
		return NodeAwaitApproval, nil

	default:
		return NodeTools, nil
	}
}

// awaitApproval emits the HITL challenge and suspends the turn. The token
// appears in the message only in development mode; production users obtain
// it out of band.
func (r *Runtime) awaitApproval(_ context.Context, s *State) (NodeID, error) {
	p := s.ProposedTool
	msg := fmt.Sprintf("Approval required for %s (approval id %s).", p.Name, s.ApprovalID)
	if r.devMode {
		payload := approval.BindingPayload(s.ThreadID, s.UserID, s.ApprovalHash)
		token, err := r.tokens.Sign(payload)
		if err != nil {
			return END, fmt.Errorf("graph: sign approval token: %w", err)
		}
		msg += fmt.Sprintf(" Reply APROBAR %s %s to proceed, or RECHAZAR %s to reject.",
			s.ApprovalID, token, s.ApprovalID)
	} else {
		msg += fmt.Sprintf(" Retrieve your approval token and reply APROBAR %s <token>, or RECHAZAR %s to reject.",
			s.ApprovalID, s.ApprovalID)
	}
	s.AppendMessage(RoleAssistant, msg)
	return END, nil
}

// approvalHandler resolves the pending challenge. Any validation failure
// clears both the approval fields and the proposal; only a fully verified
// APROBAR leaves the proposal alive for the Tools node.
func (r *Runtime) approvalHandler(ctx context.Context, s *State) (NodeID, error) {
	msg := s.LastUserMessage()
	toolName := ""
	if s.ProposedTool != nil {
		toolName = s.ProposedTool.Name
	}

	fail := func(kind, reason, resultReason string) (NodeID, error) {
		s.ClearApproval()
		s.ProposedTool = nil
		s.LastToolResult = &ToolResult{Status: StatusFailed, Reason: resultReason}
		r.audit(s, audit.Entry{Kind: kind, ToolName: toolName, Reason: reason})
		r.recordApproval(ctx, kind)
		return NodeSupervisor, nil
	}

	if s.ProposedTool == nil {
		return fail(audit.KindApprovalInvalid, "NO_PROPOSAL", ReasonApprovalInvalid)
	}

	if m := rejectRe.FindStringSubmatch(msg); m != nil {
		if m[1] != s.ApprovalID {
			return fail(audit.KindApprovalInvalid, "ID_MISMATCH", ReasonApprovalInvalid)
		}
		return fail(audit.KindApprovalRejected, ReasonUserRejected, ReasonUserRejected)
	}

	m := approveRe.FindStringSubmatch(msg)
	if m == nil {
		return fail(audit.KindApprovalInvalid, "MALFORMED_REPLY", ReasonApprovalInvalid)
	}
	id, token := m[1], m[2]

	if id != s.ApprovalID {
		return fail(audit.KindApprovalInvalid, "ID_MISMATCH", ReasonApprovalInvalid)
	}
	if r.now().Unix() > s.ApprovalExpiresAt {
		return fail(audit.KindApprovalExpired, ReasonApprovalExpired, ReasonApprovalExpired)
	}

	payload := approval.BindingPayload(s.ThreadID, s.UserID, s.ApprovalHash)
	if !r.tokens.VerifyAndConsume(ctx, token, payload, ApprovalTTL) {
		return fail(audit.KindApprovalInvalid, "TOKEN_INVALID", ReasonApprovalInvalid)
	}

	s.ClearApproval()
	r.audit(s, audit.Entry{
		Kind:     audit.KindApprovalGranted,
		ToolName: toolName,
		ArgsHash: s.ProposedTool.ArgsHash,
	})
	r.recordApproval(ctx, audit.KindApprovalGranted)
	return NodeTools, nil
}

func (r *Runtime) recordApproval(ctx context.Context, kind string) {
	if r.metrics == nil {
		return
	}
	outcome := "invalid"
	switch kind {
	case audit.KindApprovalGranted:
		outcome = "granted"
	case audit.KindApprovalRejected:
		outcome = "rejected"
	case audit.KindApprovalExpired:
		outcome = "expired"
	}
	r.metrics.RecordApproval(ctx, outcome)
}

// toolsNode performs the physical execution. A tool_call_id already executed
// is never run twice; the recorded output is replayed instead.
func (r *Runtime) toolsNode(ctx context.Context, s *State) (NodeID, error) {
	p := s.ProposedTool
	if p == nil {
		return NodeSupervisor, nil
	}

	r.execMu.Lock()
	out, done := r.executed[p.ToolCallID]
	r.execMu.Unlock()

	if done {
		// Replay the recorded output; the original execution already
		// carries the tool_executed entry.
		s.LastToolResult = &ToolResult{Status: StatusSuccess, Output: out}
		r.audit(s, audit.Entry{
			Kind:     audit.KindToolReplayed,
			ToolName: p.Name,
			ArgsHash: p.ArgsHash,
			Decision: StatusSuccess,
		})
		return NodeInterpreter, nil
	}

	out, err := r.tools.Invoke(ctx, p.Name, p.Args)
	if err != nil {
		s.LastToolResult = &ToolResult{
			Status: StatusFailed,
			Reason: ReasonToolError,
			Output: err.Error(),
		}
		r.audit(s, audit.Entry{
			Kind:     audit.KindToolExecuted,
			ToolName: p.Name,
			ArgsHash: p.ArgsHash,
			Decision: StatusFailed,
			Reason:   err.Error(),
		})
		return NodeInterpreter, nil
	}
	r.execMu.Lock()
	r.executed[p.ToolCallID] = out
	r.execMu.Unlock()

	s.LastToolResult = &ToolResult{Status: StatusSuccess, Output: out}
	r.audit(s, audit.Entry{
		Kind:     audit.KindToolExecuted,
		ToolName: p.Name,
		ArgsHash: p.ArgsHash,
		Decision: StatusSuccess,
	})
	return NodeInterpreter, nil
}

// interpreter post-processes the result: eviction for oversized outputs,
// step bookkeeping, and the proposal clear that prevents double execution.
func (r *Runtime) interpreter(ctx context.Context, s *State) (NodeID, error) {
	res := s.LastToolResult
	if res == nil {
		res = &ToolResult{Status: StatusFailed, Reason: ReasonToolError}
		s.LastToolResult = res
	}

	if res.Status == StatusSuccess {
		original := res.Output
		size := utf8.RuneCountInString(original)
		res.SizeChars = size
		if size > EvictionThreshold {
			pointer, err := r.evictor.Save(s.ThreadID, []byte(original))
			if err != nil {
				r.log.Error("eviction failed", "thread", s.ThreadID, "error", err)
				res.Status = StatusFailed
				res.Reason = ReasonToolError
				res.Output = ""
			} else {
				res.Evicted = true
				res.Pointer = pointer
				res.Summary = firstRunes(original, summaryChars)
				res.RehydrationAllowed = size <= RehydrationLimit
				res.Output = fmt.Sprintf("[EVICTED size=%d] %s", size, pointer)
				if r.metrics != nil {
					r.metrics.RecordEviction(ctx, size)
				}
			}
		} else {
			res.Evicted = false
			res.RehydrationAllowed = true
		}
	}

	if res.Status == StatusSuccess {
		s.StepStatus[s.CurrentStep] = StepDone
	} else {
		s.StepStatus[s.CurrentStep] = StepFailed
	}
	s.ProposedTool = nil

	r.audit(s, audit.Entry{
		Kind:     audit.KindResultInterpreted,
		Decision: res.Status,
		Reason:   res.Reason,
		Extra: map[string]any{
			"evicted":    res.Evicted,
			"size_chars": res.SizeChars,
		},
	})
	return NodeSupervisor, nil
}

// finalizer composes the closing assistant message. An oracle failure here
// degrades to a generated summary rather than aborting the turn.
func (r *Runtime) finalizer(ctx context.Context, s *State) (NodeID, error) {
	text, err := r.oracle.Respond(ctx, s)
	if err != nil {
		r.log.Warn("finalizer oracle failed", "thread", s.ThreadID, "error", err)
		text = r.summaryMessage(s)
	}
	if s.AwaitingUserInput && s.Question != "" {
		text += " " + s.Question
	}
	s.AppendMessage(RoleAssistant, text)
	return END, nil
}

func (r *Runtime) summaryMessage(s *State) string {
	if len(s.Plan) == 0 {
		return "Done."
	}
	done := 0
	for _, status := range s.StepStatus {
		if status == StepDone {
			done++
		}
	}
	if done == len(s.Plan) {
		return fmt.Sprintf("Task complete: %d of %d steps done.", done, len(s.Plan))
	}
	return fmt.Sprintf("Task stopped: %d of %d steps done.", done, len(s.Plan))
}
