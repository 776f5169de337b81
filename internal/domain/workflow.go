// Package domain defines the core workflow types shared by the parser,
// executor, store, and API layers: the workflow document, its nodes and
// triggers, and the runtime execution/node-execution records.
package domain

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeKind identifies which executor handles a node. Spec.md calls this
// field `type` in the document; Go code calls it Kind throughout to avoid
// colliding with the `type` keyword as a identifier prefix.
type NodeKind string

const (
	KindShell     NodeKind = "shell"
	KindHTTP      NodeKind = "http"
	KindFileRead  NodeKind = "file-read"
	KindFileWrite NodeKind = "file-write"
	KindCondition NodeKind = "condition"
	KindLoop      NodeKind = "loop"
	KindDelay     NodeKind = "delay"
	KindParallel  NodeKind = "parallel"
	KindChatCLI   NodeKind = "chat-cli"
	KindChatAPI   NodeKind = "chat-api"
)

// ErrorStrategy controls what happens to the rest of a run when a node
// exhausts its retry budget and fails, matching spec.md §3's
// `settings.on_error` vocabulary exactly.
type ErrorStrategy string

const (
	OnErrorStop     ErrorStrategy = "stop"
	OnErrorContinue ErrorStrategy = "continue"
	OnErrorNotify   ErrorStrategy = "notify"
)

// RetrySpec is a node's (or the workflow default's) retry configuration,
// spec.md §4.4.
type RetrySpec struct {
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay     time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier       float64       `yaml:"exponential_base" json:"exponential_base"`
	Jitter           bool          `yaml:"jitter" json:"jitter"`
	RetryOnTransient bool          `yaml:"retry_on_transient" json:"retry_on_transient"`
	RetryOnResource  bool          `yaml:"retry_on_resource" json:"retry_on_resource"`
}

// DefaultRetrySpec is used when neither a node nor the workflow declares a
// retry block: no retries, one attempt.
func DefaultRetrySpec() RetrySpec {
	return RetrySpec{MaxAttempts: 0, RetryOnTransient: true, RetryOnResource: true}
}

// Settings is the workflow document's `settings:` block (spec.md §3).
type Settings struct {
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	Retry      RetrySpec     `yaml:"retry" json:"retry"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	OnError    ErrorStrategy `yaml:"on_error" json:"on_error"`
}

// DefaultSettings mirrors spec.md §3's defaults: stop on first
// unrecoverable node error, no implicit retries.
func DefaultSettings() Settings {
	return Settings{OnError: OnErrorStop, Retry: DefaultRetrySpec()}
}

// InputType is the declared type of a workflow input (spec.md §3).
type InputType string

const (
	InputString  InputType = "string"
	InputNumber  InputType = "number"
	InputBoolean InputType = "boolean"
	InputArray   InputType = "array"
	InputObject  InputType = "object"
)

// InputSpec declares one entry of the workflow document's `inputs:`
// mapping.
type InputSpec struct {
	Type        InputType `yaml:"type" json:"type"`
	Default     any       `yaml:"default" json:"default,omitempty"`
	Required    bool      `yaml:"required" json:"required"`
	Description string    `yaml:"description" json:"description,omitempty"`
}

// Node is a single step in a workflow document. Config holds the
// kind-specific attributes (command, url, path, condition expression, ...)
// spec.md's node-kind tables list as flat document fields; UnmarshalYAML
// below lifts every key that isn't one of the common node attributes into
// Config, so the document can write `command: ...` next to `id:`/`type:`
// rather than nesting kind-specific fields under their own key.
type Node struct {
	ID        string         `yaml:"id" json:"id"`
	Kind      NodeKind       `yaml:"type" json:"type"`
	DependsOn []string       `yaml:"depends_on" json:"depends_on"`
	Timeout   time.Duration  `yaml:"timeout" json:"timeout"`
	Retry     *RetrySpec     `yaml:"retry" json:"retry,omitempty"`
	Config    map[string]any `yaml:"-" json:"config"`
}

// nodeCommonKeys lists the document keys Node's own fields consume; every
// other key in a node's YAML mapping ends up in Config.
var nodeCommonKeys = map[string]bool{
	"id": true, "type": true, "depends_on": true, "timeout": true, "retry": true,
}

// UnmarshalYAML implements custom decoding so kind-specific attributes stay
// flat in the document (spec.md §3's node-kind tables) while still landing
// in the Config map executors type-assert against.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if id, ok := raw["id"].(string); ok {
		n.ID = id
	}
	if kind, ok := raw["type"].(string); ok {
		n.Kind = NodeKind(kind)
	}
	if deps, ok := raw["depends_on"].([]any); ok {
		for _, d := range deps {
			if s, ok := d.(string); ok {
				n.DependsOn = append(n.DependsOn, s)
			}
		}
	}
	if t, ok := raw["timeout"]; ok {
		d, err := decodeDuration(t)
		if err != nil {
			return fmt.Errorf("node %q timeout: %w", n.ID, err)
		}
		n.Timeout = d
	}
	if r, ok := raw["retry"]; ok && r != nil {
		var spec RetrySpec
		var node yaml.Node
		if err := node.Encode(r); err == nil {
			if err := node.Decode(&spec); err != nil {
				return fmt.Errorf("node %q retry: %w", n.ID, err)
			}
		}
		n.Retry = &spec
	}

	n.Config = make(map[string]any, len(raw))
	for k, v := range raw {
		if !nodeCommonKeys[k] {
			n.Config[k] = v
		}
	}
	return nil
}

// decodeDuration accepts either a Go duration string ("60s") or a bare
// number of seconds, matching how spec.md's timeout fields are written
// across node kinds.
func decodeDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		return time.ParseDuration(t)
	case int:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("unsupported duration value %v", v)
	}
}

// Workflow is a parsed, validated workflow document.
type Workflow struct {
	Name        string               `yaml:"name" json:"name"`
	Description string               `yaml:"description" json:"description"`
	Version     int                  `yaml:"version" json:"version"`
	Inputs      map[string]InputSpec `yaml:"inputs" json:"inputs"`
	Triggers    []Trigger            `yaml:"triggers" json:"triggers"`
	Nodes       []Node               `yaml:"nodes" json:"nodes"`
	Settings    Settings             `yaml:"settings" json:"settings"`

	// LoadedFrom is the absolute path the document was parsed from, used
	// when re-resolving relative file-read/file-write paths at run time.
	LoadedFrom string `yaml:"-" json:"-"`
}

// NodeByID returns the node with the given ID, if present.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// EntryNode returns the implicit entry node: index 0, per spec.md §3.
func (w *Workflow) EntryNode() *Node {
	if len(w.Nodes) == 0 {
		return nil
	}
	return &w.Nodes[0]
}
