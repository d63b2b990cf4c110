// Package graph implements the execution state machine: a directed graph of
// nodes dispatched over a shared per-thread state, with a single enforcement
// chokepoint between tool proposal and tool execution.
package graph

// Intent is the ingress routing hint.
type Intent string

const (
	IntentConversation Intent = "conversation"
	IntentTask         Intent = "task"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Step statuses.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepDone    = "done"
	StepFailed  = "failed"
	StepBlocked = "blocked"
)

// ToolResult statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Failure reasons carried in ToolResult.Reason.
const (
	ReasonIntegrityMismatch = "IntegrityMismatch"
	ReasonPolicyBlocked     = "PolicyBlocked"
	ReasonUserRejected      = "UserRejected"
	ReasonApprovalExpired   = "ApprovalExpired"
	ReasonApprovalInvalid   = "ApprovalInvalid"
	ReasonToolError         = "ToolError"
)

// Message is one transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProposedTool is the integrity contract between the Executor and the
// RiskGate. canonical_args and args_hash are computed by the runtime and
// re-verified at the gate; nothing downstream trusts the values as given.
type ProposedTool struct {
	Name          string         `json:"name"`
	Args          map[string]any `json:"args"`
	CanonicalArgs string         `json:"canonical_args"`
	ArgsHash      string         `json:"args_hash"`
	ToolCallID    string         `json:"tool_call_id"`
	StepIdx       int            `json:"step_idx"`
	CreatedAt     int64          `json:"created_at"`
}

// ToolResult is the outcome of one physical tool execution, or of a proposal
// that was stopped before execution.
type ToolResult struct {
	Status             string `json:"status"`
	Output             string `json:"output"`
	Reason             string `json:"reason,omitempty"`
	Evicted            bool   `json:"evicted"`
	Pointer            string `json:"pointer,omitempty"`
	SizeChars          int    `json:"size_chars"`
	RehydrationAllowed bool   `json:"rehydration_allowed"`
	Summary            string `json:"summary,omitempty"`
}

// AuditRef is the compact in-state mirror of one persisted audit entry.
type AuditRef struct {
	TS       int64  `json:"ts"`
	Kind     string `json:"kind"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// State is the per-thread snapshot unit. Every node reads it, applies an
// update, and the runtime persists it before dispatching the next node.
type State struct {
	ThreadID          string         `json:"thread_id"`
	UserID            string         `json:"user_id"`
	Intent            Intent         `json:"intent"`
	Messages          []Message      `json:"messages"`
	Plan              []string       `json:"plan"`
	CurrentStep       int            `json:"current_step"`
	StepStatus        map[int]string `json:"step_status"`
	Tries             map[int]int    `json:"tries"`
	ProposedTool      *ProposedTool  `json:"proposed_tool,omitempty"`
	LastToolResult    *ToolResult    `json:"last_tool_result,omitempty"`
	AwaitingApproval  bool           `json:"awaiting_approval"`
	ApprovalID        string         `json:"approval_id,omitempty"`
	ApprovalHash      string         `json:"approval_hash,omitempty"`
	ApprovalExpiresAt int64          `json:"approval_expires_at,omitempty"`
	AwaitingUserInput bool           `json:"awaiting_user_input"`
	Question          string         `json:"question,omitempty"`
	AuditTrail        []AuditRef     `json:"audit_trail"`
	Cancelled         bool           `json:"cancelled"`
}

// NewState initializes a thread snapshot on first ingress.
func NewState(threadID, userID string, intent Intent) *State {
	return &State{
		ThreadID:   threadID,
		UserID:     userID,
		Intent:     intent,
		StepStatus: map[int]string{},
		Tries:      map[int]int{},
	}
}

// AppendMessage appends one transcript entry.
func (s *State) AppendMessage(role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}

// LastUserMessage returns the content of the most recent user message, or ""
// if none exists.
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// ClearApproval drops the HITL challenge fields. The proposal is cleared
// separately where the protocol requires it.
func (s *State) ClearApproval() {
	s.AwaitingApproval = false
	s.ApprovalID = ""
	s.ApprovalHash = ""
	s.ApprovalExpiresAt = 0
}

// PlanExhausted reports whether current_step is past the final plan entry.
func (s *State) PlanExhausted() bool {
	return s.CurrentStep >= len(s.Plan)
}
