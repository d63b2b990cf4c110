// Command phylactery runs the zero-trust agentic runtime as a local REPL, or
// verifies an audit log chain.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/crozzbite/phylactery/pkg/approval"
	"github.com/crozzbite/phylactery/pkg/audit"
	"github.com/crozzbite/phylactery/pkg/config"
	"github.com/crozzbite/phylactery/pkg/dlp"
	"github.com/crozzbite/phylactery/pkg/eviction"
	"github.com/crozzbite/phylactery/pkg/graph"
	"github.com/crozzbite/phylactery/pkg/observability"
	"github.com/crozzbite/phylactery/pkg/risk"
	"github.com/crozzbite/phylactery/pkg/runtime"
	"github.com/crozzbite/phylactery/pkg/state"
	"github.com/crozzbite/phylactery/pkg/tooling"
)

func main() {
	os.Exit(Run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) >= 2 {
		switch args[1] {
		case "verify-audit":
			if len(args) < 3 {
				fmt.Fprintln(stderr, "Usage: phylactery verify-audit <path>")
				return 2
			}
			if err := audit.VerifyFile(args[2]); err != nil {
				fmt.Fprintf(stderr, "audit chain broken: %v\n", err)
				return 1
			}
			fmt.Fprintln(stdout, "audit chain intact")
			return 0
		case "repl":
			// Fall through to the REPL below.
		case "help", "--help", "-h":
			printUsage(stdout)
			return 0
		default:
			fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
			printUsage(stderr)
			return 2
		}
	}

	if err := runREPL(stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "phylactery: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: phylactery [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  repl                 Interactive session (default)")
	fmt.Fprintln(w, "  verify-audit <path>  Verify an audit log's hash chain")
	fmt.Fprintln(w, "  help                 Show this help")
}

func runREPL(stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	log := slog.Default().With("component", "main")

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	svc, auditLog, err := buildService(cfg, policy)
	if err != nil {
		return err
	}
	defer func() { _ = auditLog.Close() }()

	log.Info("phylactery ready",
		"dev_mode", cfg.DevMode, "tools", len(policy.Tools), "audit", cfg.AuditPath)
	fmt.Fprintln(stdout, `Type a message ("task: ..." to plan a task), or "exit".`)

	ctx := context.Background()
	scanner := bufio.NewScanner(stdin)
	fmt.Fprint(stdout, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "exit" || line == "quit":
			return nil
		default:
			intent := graph.IntentConversation
			if rest, ok := strings.CutPrefix(line, "task:"); ok {
				intent = graph.IntentTask
				line = strings.TrimSpace(rest)
			}
			st, err := svc.Invoke(ctx, "local", "operator", line, intent)
			if err != nil {
				fmt.Fprintf(stdout, "error: %v\n", err)
			} else if len(st.Messages) > 0 {
				last := st.Messages[len(st.Messages)-1]
				if last.Role == graph.RoleAssistant {
					fmt.Fprintln(stdout, last.Content)
				}
			}
		}
		fmt.Fprint(stdout, "> ")
	}
	return scanner.Err()
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func buildService(cfg *config.Config, policy *config.Policy) (*runtime.Service, *audit.Log, error) {
	scanner, err := dlp.NewScanner(policy.SecretPatterns...)
	if err != nil {
		return nil, nil, err
	}

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return nil, nil, err
	}

	engine, err := risk.NewEngine(policy.Risk, scanner, auditLog)
	if err != nil {
		_ = auditLog.Close()
		return nil, nil, err
	}

	var replay approval.ReplayStore = approval.NewMemoryReplayStore()
	if cfg.RedisAddr != "" {
		replay = approval.NewRedisReplayStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	tokens, err := approval.NewManager(cfg.HMACSecret, replay, cfg.DevMode)
	if err != nil {
		_ = auditLog.Close()
		return nil, nil, err
	}

	evictor, err := eviction.NewStore(cfg.EvictionRoot)
	if err != nil {
		_ = auditLog.Close()
		return nil, nil, err
	}

	var sealer *state.Sealer
	if cfg.SealSnapshots {
		if sealer, err = state.NewSealer(cfg.HMACSecret); err != nil {
			_ = auditLog.Close()
			return nil, nil, err
		}
	}
	codec, err := state.NewCodec(sealer)
	if err != nil {
		_ = auditLog.Close()
		return nil, nil, err
	}
	store, err := state.OpenSQLite(cfg.StatePath, codec)
	if err != nil {
		_ = auditLog.Close()
		return nil, nil, err
	}

	registry, err := tooling.NewRegistry(policy.Tools)
	if err != nil {
		_ = auditLog.Close()
		return nil, nil, err
	}
	dispatcher := tooling.NewDispatcher(registry, builtinHandlers(cfg.WorkspaceRoot),
		tooling.WithDefaultTimeout(time.Duration(cfg.ToolTimeoutSec)*time.Second))

	obs, err := observability.New()
	if err != nil {
		_ = auditLog.Close()
		return nil, nil, err
	}
	nodeObserver := obs.NodeObserver()

	rt := graph.NewRuntime(
		newScriptedOracle(registry),
		dispatcher,
		engine,
		tokens,
		evictor,
		persister{store},
		auditLog,
		graph.WithDevMode(cfg.DevMode),
		graph.WithNodeObserver(func(node graph.NodeID) { nodeObserver(string(node)) }),
		graph.WithMetrics(obs),
	)
	svc := runtime.NewService(rt, store, scanner, evictor, auditLog,
		runtime.WithTurnTracker(obs.TrackTurn))
	return svc, auditLog, nil
}

// persister narrows the state store to the runtime's save-only dependency.
type persister struct{ store state.Store }

func (p persister) Save(ctx context.Context, s *graph.State) error {
	return p.store.Save(ctx, s)
}
