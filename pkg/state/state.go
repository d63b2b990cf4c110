// Package state persists per-thread graph snapshots. Snapshots are encoded
// as JSON, validated against a schema on the way back in, and optionally
// sealed with AES-GCM at rest.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/crozzbite/phylactery/pkg/graph"
)

var (
	// ErrNotFound reports an unknown thread id.
	ErrNotFound = errors.New("state: thread not found")
	// ErrStateCorrupt reports a snapshot that fails schema validation or
	// decryption. A corrupt thread is quarantined by the service layer.
	ErrStateCorrupt = errors.New("state: snapshot corrupt")
)

// Store is the persistence interface the graph runtime depends on.
type Store interface {
	Load(ctx context.Context, threadID string) (*graph.State, error)
	Save(ctx context.Context, s *graph.State) error
	Delete(ctx context.Context, threadID string) error
}

// snapshotSchema guards the structural integrity of persisted snapshots.
// Validation runs on load, so a tampered or truncated row surfaces as
// ErrStateCorrupt instead of a half-decoded state.
const snapshotSchema = `{
  "type": "object",
  "required": ["thread_id", "user_id", "intent", "current_step", "awaiting_approval"],
  "properties": {
    "thread_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string", "minLength": 1},
    "intent": {"enum": ["conversation", "task"]},
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["user", "assistant", "system"]},
          "content": {"type": "string"}
        }
      }
    },
    "plan": {"type": "array", "items": {"type": "string"}},
    "current_step": {"type": "integer", "minimum": 0},
    "step_status": {
      "type": "object",
      "additionalProperties": {"enum": ["pending", "running", "done", "failed", "blocked"]}
    },
    "tries": {
      "type": "object",
      "additionalProperties": {"type": "integer", "minimum": 0}
    },
    "proposed_tool": {
      "type": "object",
      "required": ["name", "args", "canonical_args", "args_hash", "tool_call_id"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "canonical_args": {"type": "string"},
        "args_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "tool_call_id": {"type": "string", "minLength": 1},
        "step_idx": {"type": "integer", "minimum": 0},
        "created_at": {"type": "integer"}
      }
    },
    "awaiting_approval": {"type": "boolean"},
    "approval_id": {"type": "string"},
    "approval_hash": {"type": "string"},
    "approval_expires_at": {"type": "integer"},
    "awaiting_user_input": {"type": "boolean"},
    "question": {"type": "string"},
    "cancelled": {"type": "boolean"}
  }
}`

// Codec translates snapshots to and from their stored byte form. The zero
// value is unusable; construct with NewCodec.
type Codec struct {
	schema *jsonschema.Schema
	sealer *Sealer
}

// NewCodec compiles the snapshot schema. A nil sealer stores plaintext JSON.
func NewCodec(sealer *Sealer) (*Codec, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("snapshot.json", bytes.NewReader([]byte(snapshotSchema))); err != nil {
		return nil, fmt.Errorf("state: schema resource: %w", err)
	}
	schema, err := compiler.Compile("snapshot.json")
	if err != nil {
		return nil, fmt.Errorf("state: compile schema: %w", err)
	}
	return &Codec{schema: schema, sealer: sealer}, nil
}

// Encode serializes a snapshot, sealing it when a sealer is configured.
func (c *Codec) Encode(s *graph.State) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("state: marshal snapshot: %w", err)
	}
	if c.sealer != nil {
		return c.sealer.Seal(raw)
	}
	return raw, nil
}

// Decode unseals, validates, and deserializes a stored snapshot. Any failure
// along the way is ErrStateCorrupt.
func (c *Codec) Decode(data []byte) (*graph.State, error) {
	raw := data
	if c.sealer != nil {
		var err error
		if raw, err = c.sealer.Open(data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
		}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}

	var s graph.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if s.StepStatus == nil {
		s.StepStatus = map[int]string{}
	}
	if s.Tries == nil {
		s.Tries = map[int]int{}
	}
	return &s, nil
}
