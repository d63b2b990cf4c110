// Package risk implements the policy engine that classifies every tool
// proposal. Evaluation is deterministic: the same (tool, canonical args)
// input always yields the same decision, and every invocation is audited.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/crozzbite/phylactery/pkg/audit"
	"github.com/crozzbite/phylactery/pkg/dlp"
)

// Level is the assessed severity of a proposal.
type Level string

const (
	LevelLow      Level = "Low"
	LevelMedium   Level = "Medium"
	LevelHigh     Level = "High"
	LevelCritical Level = "Critical"
)

// Decision is the enforcement outcome.
type Decision string

const (
	Allow        Decision = "Allow"
	AuthRequired Decision = "AuthRequired"
	Blocked      Decision = "Blocked"
)

// Machine-readable decision reasons.
const (
	ReasonHoneytoken   = "HONEYTOKEN_TRIGGERED"
	ReasonSecretEgress = "SECRET_EGRESS_BLOCKED"
	ReasonPathEscape   = "PATH_ESCAPE"
	ReasonTierPolicy   = "TIER_POLICY"
	ReasonUnknownTool  = "UNKNOWN_TOOL"
)

// RiskDecision is the engine's verdict on one proposal.
type RiskDecision struct {
	Level    Level    `json:"level"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// Rule is an operator-authored CEL expression evaluated after the built-in
// checks and before the tier lookup. The expression sees `tool` (string) and
// `args` (the decoded canonical argument map); a true result applies the
// rule's outcome.
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Expr     string   `yaml:"expr" json:"expr"`
	Level    Level    `yaml:"level" json:"level"`
	Decision Decision `yaml:"decision" json:"decision"`
}

// Policy is the static configuration of the engine, loaded from the risk
// policy file.
type Policy struct {
	WorkspaceRoot string           `yaml:"workspace_root"`
	Honeytokens   []string         `yaml:"honeytokens"`
	Honeyfiles    []string         `yaml:"honeyfiles"`
	ToolTiers     map[string]Level `yaml:"tool_tier_map"`
	WriteTools    []string         `yaml:"write_tools"`
	PathArgKeys   []string         `yaml:"path_arg_keys"`
	Rules         []Rule           `yaml:"rules"`
}

// defaultPathArgKeys are the argument names inspected for filesystem paths
// when the policy does not override them.
var defaultPathArgKeys = []string{"path", "file_path", "target_file", "source", "dest"}

// Request carries one proposal into Evaluate. CanonicalArgs must already be
// the canonical form; the engine never re-reads raw arguments.
type Request struct {
	ThreadID      string
	UserID        string
	ToolName      string
	CanonicalArgs string
	ArgsHash      string
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// Engine evaluates proposals against the configured policy.
type Engine struct {
	policy      Policy
	scanner     *dlp.Scanner
	rec         audit.Recorder
	log         *slog.Logger
	workspace   string
	writeTools  map[string]bool
	pathArgKeys []string
	rules       []compiledRule
}

// NewEngine compiles the policy's CEL rules and resolves the workspace root.
// A policy with an uncompilable rule is rejected outright rather than
// degraded at evaluation time.
func NewEngine(policy Policy, scanner *dlp.Scanner, rec audit.Recorder) (*Engine, error) {
	workspace, err := filepath.Abs(policy.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("risk: resolve workspace root: %w", err)
	}

	e := &Engine{
		policy:      policy,
		scanner:     scanner,
		rec:         rec,
		log:         slog.Default().With("component", "risk"),
		workspace:   workspace,
		writeTools:  make(map[string]bool, len(policy.WriteTools)),
		pathArgKeys: policy.PathArgKeys,
	}
	for _, name := range policy.WriteTools {
		e.writeTools[name] = true
	}
	if len(e.pathArgKeys) == 0 {
		e.pathArgKeys = defaultPathArgKeys
	}

	if len(policy.Rules) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("tool", cel.StringType),
			cel.Variable("args", cel.DynType),
		)
		if err != nil {
			return nil, fmt.Errorf("risk: cel environment: %w", err)
		}
		for _, r := range policy.Rules {
			ast, issues := env.Compile(r.Expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("risk: rule %q: compile: %w", r.Name, issues.Err())
			}
			prg, err := env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				return nil, fmt.Errorf("risk: rule %q: program: %w", r.Name, err)
			}
			e.rules = append(e.rules, compiledRule{rule: r, prg: prg})
		}
	}
	return e, nil
}

// Evaluate classifies one proposal. First match wins: honeytoken trap,
// secret egress on write tools, sandbox violation, custom rules, tier
// lookup, unknown-tool default. The verdict is audited before returning.
func (e *Engine) Evaluate(ctx context.Context, req Request) RiskDecision {
	d, severity := e.evaluate(req)
	e.audit(req, d, severity)
	return d
}

func (e *Engine) evaluate(req Request) (RiskDecision, string) {
	args := decodeArgs(req.CanonicalArgs)
	paths := e.pathArgs(args)

	// 1. Honeytoken trap. Substring match over canonical args plus
	// honeyfile match on path arguments.
	for _, token := range e.policy.Honeytokens {
		if token != "" && strings.Contains(req.CanonicalArgs, token) {
			return RiskDecision{LevelCritical, Blocked, ReasonHoneytoken}, audit.SeverityCritical
		}
	}
	for _, p := range paths {
		if e.namesHoneyfile(p) {
			return RiskDecision{LevelCritical, Blocked, ReasonHoneytoken}, audit.SeverityCritical
		}
	}

	// 2. Secret egress on write-capable tools.
	if e.writeTools[req.ToolName] && e.scanner.HasSecrets(req.CanonicalArgs) {
		return RiskDecision{LevelCritical, Blocked, ReasonSecretEgress}, audit.SeverityCritical
	}

	// 3. Sandbox violation.
	for _, p := range paths {
		if e.escapesWorkspace(p) {
			return RiskDecision{LevelHigh, Blocked, ReasonPathEscape}, ""
		}
	}

	// 4. Custom rules, in policy order.
	for _, cr := range e.rules {
		out, _, err := cr.prg.Eval(map[string]any{
			"tool": req.ToolName,
			"args": args,
		})
		if err != nil {
			// Fail closed: a rule that cannot evaluate blocks the
			// proposal instead of silently passing it.
			e.log.Error("rule evaluation failed",
				"rule", cr.rule.Name, "tool", req.ToolName, "error", err)
			return RiskDecision{LevelHigh, Blocked, "RULE_ERROR:" + cr.rule.Name}, ""
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return RiskDecision{cr.rule.Level, cr.rule.Decision, "RULE:" + cr.rule.Name}, ""
		}
	}

	// 5. Tier lookup.
	if tier, ok := e.policy.ToolTiers[req.ToolName]; ok {
		if tier == LevelLow {
			return RiskDecision{LevelLow, Allow, ReasonTierPolicy}, ""
		}
		return RiskDecision{tier, AuthRequired, ReasonTierPolicy}, ""
	}

	// 6. Unknown tool.
	return RiskDecision{LevelMedium, AuthRequired, ReasonUnknownTool}, ""
}

func (e *Engine) audit(req Request, d RiskDecision, severity string) {
	_, err := e.rec.Append(audit.Entry{
		ThreadID: req.ThreadID,
		UserID:   req.UserID,
		Kind:     audit.KindRiskEvaluated,
		ToolName: req.ToolName,
		ArgsHash: req.ArgsHash,
		Decision: string(d.Decision),
		Reason:   d.Reason,
		Severity: severity,
		Extra:    map[string]any{"level": string(d.Level)},
	})
	if err != nil {
		e.log.Error("audit append failed", "tool", req.ToolName, "error", err)
	}
}

// pathArgs collects string values of the configured path argument keys, top
// level only. Canonical args are flat for every tool in the catalog.
func (e *Engine) pathArgs(args map[string]any) []string {
	var paths []string
	for _, key := range e.pathArgKeys {
		if v, ok := args[key].(string); ok && v != "" {
			paths = append(paths, v)
		}
	}
	return paths
}

func (e *Engine) namesHoneyfile(path string) bool {
	clean := filepath.Clean(path)
	base := filepath.Base(clean)
	for _, hf := range e.policy.Honeyfiles {
		if hf == "" {
			continue
		}
		if clean == filepath.Clean(hf) || base == filepath.Base(hf) {
			return true
		}
	}
	return false
}

// escapesWorkspace resolves a path argument against the workspace root and
// reports whether the normalized result leaves it. Relative paths are rooted
// at the workspace.
func (e *Engine) escapesWorkspace(path string) bool {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(e.workspace, resolved)
	}
	resolved = filepath.Clean(resolved)
	return resolved != e.workspace &&
		!strings.HasPrefix(resolved, e.workspace+string(filepath.Separator))
}

// decodeArgs parses canonical args for inspection. Canonical form is always
// a JSON object; anything else decodes to an empty map and falls through to
// the substring checks.
func decodeArgs(canonicalArgs string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(canonicalArgs), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
