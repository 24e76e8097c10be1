package runtime

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"
)

// Checkpoint is the serialized snapshot of engine progress written after
// every node outcome. The latest snapshot supersedes earlier ones; resume
// reads it once. Unknown top-level fields survive a read/write cycle so
// newer engines can add fields without older checkpoints breaking.
type Checkpoint struct {
	SessionID      string             `json:"session_id"`
	CurrentNode    string             `json:"current_node"`
	CompletedNodes []string           `json:"completed_nodes"`
	NodeOutcomes   map[string]Outcome `json:"node_outcomes"`
	ContextValues  map[string]any     `json:"context"`
	Logs           []string           `json:"logs,omitempty"`
	TotalCost      float64            `json:"total_cost"`
	StepCount      int                `json:"step_count"`
	Timestamp      time.Time          `json:"timestamp"`

	// Extra holds fields this version does not understand, passed through
	// verbatim on write.
	Extra map[string]json.RawMessage `json:"-"`
}

func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		CompletedNodes: []string{},
		NodeOutcomes:   map[string]Outcome{},
		ContextValues:  map[string]any{},
	}
}

var checkpointKnownKeys = map[string]bool{
	"session_id":      true,
	"current_node":    true,
	"completed_nodes": true,
	"node_outcomes":   true,
	"context":         true,
	"logs":            true,
	"total_cost":      true,
	"step_count":      true,
	"timestamp":       true,
}

type checkpointDoc Checkpoint

func (cp *Checkpoint) UnmarshalJSON(b []byte) error {
	var doc checkpointDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*cp = Checkpoint(doc)
	for k, v := range raw {
		if checkpointKnownKeys[k] {
			continue
		}
		if cp.Extra == nil {
			cp.Extra = map[string]json.RawMessage{}
		}
		cp.Extra[k] = v
	}
	return nil
}

func (cp Checkpoint) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(checkpointDoc(cp))
	if err != nil {
		return nil, err
	}
	if len(cp.Extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range cp.Extra {
		if !checkpointKnownKeys[k] {
			merged[k] = v
		}
	}
	return canonicalJSON(merged)
}

// canonicalJSON emits keys in sorted order so write-read-write round trips
// are byte-identical.
func canonicalJSON(m map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(m[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Digest returns the hex blake3 digest of the checkpoint's JSON encoding.
// Checkpoint files do not store it and LoadCheckpoint does not check it.
func (cp *Checkpoint) Digest() (string, error) {
	b, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Path derives the checkpoint location from the logs directory and
// session ID: {logs_dir}/{session_id}.ckpt.
func Path(logsDir, sessionID string) string {
	return filepath.Join(logsDir, sessionID+".ckpt")
}

func (cp *Checkpoint) Save(path string) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(b, '\n'))
}

const checkpointSchema = `{
  "type": "object",
  "required": ["session_id", "current_node", "completed_nodes", "context", "timestamp"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "current_node": {"type": "string"},
    "completed_nodes": {"type": "array", "items": {"type": "string"}},
    "node_outcomes": {"type": "object"},
    "context": {"type": "object"},
    "logs": {"type": "array", "items": {"type": "string"}},
    "total_cost": {"type": "number"},
    "step_count": {"type": "integer", "minimum": 0},
    "timestamp": {"type": "string"}
  }
}`

var compiledCheckpointSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("checkpoint.json", strings.NewReader(checkpointSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("checkpoint.json")
}()

// LoadCheckpoint reads and schema-validates a snapshot. Validation runs
// before decoding so a malformed document fails with a shape error rather
// than a zero-valued checkpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var anyDoc any
	if err := json.Unmarshal(b, &anyDoc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := compiledCheckpointSchema.Validate(anyDoc); err != nil {
		return nil, fmt.Errorf("checkpoint %s failed schema validation: %w", path, err)
	}
	cp := NewCheckpoint()
	if err := json.Unmarshal(b, cp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cp, nil
}

// LatestCheckpoint returns the most recently written *.ckpt file in dir,
// or "" when none exist.
func LatestCheckpoint(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	best := ""
	var bestMod time.Time
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".ckpt") {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, ent.Name())
			bestMod = info.ModTime()
		}
	}
	return best, nil
}
