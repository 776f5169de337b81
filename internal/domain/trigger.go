package domain

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TriggerKind identifies which trigger service owns a trigger.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerFile     TriggerKind = "file-watch"
	TriggerWebhook  TriggerKind = "webhook"
)

// Trigger is one entry of a workflow document's `triggers:` list — a
// tagged union discriminated by `type`, per spec.md §3. Only the fields
// relevant to Kind are populated; the rest stay zero.
type Trigger struct {
	Kind TriggerKind `yaml:"type" json:"type"`

	// cron
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// interval
	Every time.Duration `yaml:"every,omitempty" json:"every,omitempty"`

	// file-watch
	Path     string        `yaml:"path,omitempty" json:"path,omitempty"`
	Events   []string      `yaml:"events,omitempty" json:"events,omitempty"`
	Pattern  string        `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Debounce time.Duration `yaml:"debounce,omitempty" json:"debounce,omitempty"`

	// webhook (reuses Path above for its `path` field)
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`
}

// UnmarshalYAML decodes a trigger entry, accepting either a Go duration
// string ("30s") or a bare integer count of seconds for `every`/`debounce`,
// matching the rest of the document's duration fields.
func (t *Trigger) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if kind, ok := raw["type"].(string); ok {
		t.Kind = TriggerKind(kind)
	}
	t.Schedule, _ = raw["schedule"].(string)
	t.Timezone, _ = raw["timezone"].(string)
	t.Path, _ = raw["path"].(string)
	t.Pattern, _ = raw["pattern"].(string)
	t.Secret, _ = raw["secret"].(string)

	if events, ok := raw["events"].([]any); ok {
		for _, e := range events {
			if s, ok := e.(string); ok {
				t.Events = append(t.Events, s)
			}
		}
	}

	if v, ok := raw["every"]; ok {
		d, err := decodeTriggerDuration(v)
		if err != nil {
			return fmt.Errorf("trigger every: %w", err)
		}
		t.Every = d
	}
	if v, ok := raw["debounce"]; ok {
		d, err := decodeTriggerDuration(v)
		if err != nil {
			return fmt.Errorf("trigger debounce: %w", err)
		}
		t.Debounce = d
	} else if t.Kind == TriggerFile {
		t.Debounce = time.Second
	}

	return nil
}

func decodeTriggerDuration(v any) (time.Duration, error) {
	switch val := v.(type) {
	case string:
		return time.ParseDuration(val)
	case int:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("unsupported duration value %v", v)
	}
}

// EffectiveTimezone returns the trigger's declared timezone, defaulting to
// "local" (the process's local zone) per spec.md §3.
func (t Trigger) EffectiveTimezone() string {
	if t.Timezone == "" {
		return "local"
	}
	return t.Timezone
}
