// Package audit implements the append-only security audit log: one JSON
// object per line, fsynced on every append, with a hash chain linking each
// entry to its predecessor for tamper evidence.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crozzbite/phylactery/pkg/canonical"
)

// Entry kinds recorded by the runtime. Components may add their own; these
// are the ones the graph and risk engine emit.
const (
	KindRiskEvaluated     = "risk_evaluated"
	KindToolProposed      = "tool_proposed"
	KindProposalBlocked   = "proposal_blocked"
	KindIntegrityMismatch = "integrity_mismatch"
	KindApprovalRequired  = "approval_required"
	KindApprovalGranted   = "approval_granted"
	KindApprovalRejected  = "approval_rejected"
	KindApprovalExpired   = "approval_expired"
	KindApprovalInvalid   = "approval_invalid"
	KindToolExecuted      = "tool_executed"
	KindToolReplayed      = "tool_replayed"
	KindResultInterpreted = "result_interpreted"
	KindStepFailed        = "step_failed"
	KindThreadCancelled   = "thread_cancelled"
	KindThreadQuarantined = "thread_quarantined"
)

// SeverityCritical marks honeytoken and blocked-secret entries.
const SeverityCritical = "critical"

// genesisHash anchors the chain before the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrChainBroken = errors.New("audit: hash chain is broken")
	ErrClosed      = errors.New("audit: log is closed")
)

// Entry is one audit record. ID, TS, PrevHash and EntryHash are filled by
// Append; callers set the rest.
type Entry struct {
	ID        string         `json:"id"`
	TS        int64          `json:"ts"`
	ThreadID  string         `json:"thread_id"`
	UserID    string         `json:"user_id"`
	Kind      string         `json:"kind"`
	ToolName  string         `json:"tool_name,omitempty"`
	ArgsHash  string         `json:"args_hash,omitempty"`
	Decision  string         `json:"decision,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
}

// Recorder is the write interface components depend on.
type Recorder interface {
	Append(e Entry) (Entry, error)
}

// Log is a file-backed Recorder. A single handle per process; appends are
// serialized by a mutex and flushed with fsync before returning.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	lastHash string
	clock    func() time.Time
	closed   bool
}

// Open opens (or creates) the audit log at path and recovers the chain head
// from the final line, so restarts keep the chain intact.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	last, err := lastEntryHash(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Log{f: f, lastHash: last, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append fills the entry's identity and chain fields, writes one JSON line,
// and fsyncs. The returned entry is the persisted form.
func (l *Log) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Entry{}, ErrClosed
	}

	e.ID = uuid.New().String()
	e.TS = l.clock().Unix()
	e.PrevHash = l.lastHash
	e.EntryHash = ""

	hash, err := entryHash(&e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("audit: sync: %w", err)
	}

	l.lastHash = hash
	return e, nil
}

// Close releases the file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

// VerifyFile replays the chain in a log file and reports the first break.
func VerifyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	prev := genesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return fmt.Errorf("audit: line %d: %w", lineNo, err)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: line %d: prev_hash mismatch", ErrChainBroken, lineNo)
		}
		stored := e.EntryHash
		e.EntryHash = ""
		recomputed, err := entryHash(&e)
		if err != nil {
			return fmt.Errorf("audit: line %d: %w", lineNo, err)
		}
		if recomputed != stored {
			return fmt.Errorf("%w: line %d: entry_hash mismatch", ErrChainBroken, lineNo)
		}
		prev = stored
	}
	return scanner.Err()
}

// ReadAll parses every entry in a log file. Intended for tooling and tests.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// entryHash computes the SHA-256 digest of the canonical form of the entry
// with EntryHash blanked.
func entryHash(e *Entry) (string, error) {
	// Through a JSON round trip so the canonicalizer sees only permitted
	// generic values.
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	delete(generic, "entry_hash")
	c, err := canonical.Canonicalize(generic)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	return canonical.Hash(c), nil
}

// lastEntryHash returns the chain head recorded in the final line of the
// file, or the genesis hash for a new or empty log.
func lastEntryHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesisHash, nil
		}
		return "", err
	}
	defer func() { _ = f.Close() }()

	last := ""
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if last == "" {
		return genesisHash, nil
	}

	var e Entry
	if err := json.Unmarshal([]byte(last), &e); err != nil {
		return "", fmt.Errorf("audit: recover chain head: %w", err)
	}
	if e.EntryHash == "" {
		return "", fmt.Errorf("audit: recover chain head: missing entry_hash")
	}
	return e.EntryHash, nil
}

// MemoryRecorder collects entries in memory. Intended for tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	clock   func() time.Time
	Entries []Entry
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *MemoryRecorder) WithClock(clock func() time.Time) *MemoryRecorder {
	r.clock = clock
	return r
}

// Append implements Recorder.
func (r *MemoryRecorder) Append(e Entry) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = uuid.New().String()
	e.TS = r.clock().Unix()
	r.Entries = append(r.Entries, e)
	return e, nil
}

// ByKind returns recorded entries of the given kind.
func (r *MemoryRecorder) ByKind(kind string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
