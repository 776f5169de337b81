// Package schedule reconciles a workflow document's `triggers:` list
// against the cron, file-watch, and webhook trigger services, and owns the
// enable/disable/pause/resume/status operations spec.md §4.6 assigns to
// "the schedule manager". Grounded on stherrien-gorax's schedule.Service,
// which plays the same role between a cron parser and its repo.
package schedule

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/smilemakc/flowpilot/internal/parser"
	"github.com/smilemakc/flowpilot/internal/runner"
	"github.com/smilemakc/flowpilot/internal/store"
	"github.com/smilemakc/flowpilot/internal/trigger/cron"
	"github.com/smilemakc/flowpilot/internal/trigger/filewatch"
	"github.com/smilemakc/flowpilot/internal/trigger/webhook"
)

// Deps bundles the trigger services and collaborators a Manager
// reconciles. Store is optional, same as runner.Deps.Store.
type Deps struct {
	Store     *store.Store
	Cron      *cron.Service
	FileWatch *filewatch.Service
	Webhook   *webhook.Service
	Runner    *runner.Runner
}

// registration is what a Manager remembers about one registered workflow,
// enough to unregister every trigger kind it owns without re-parsing the
// document.
type registration struct {
	name         string
	path         string
	enabled      bool
	webhookPaths []string
	hasCron      bool
	hasFile      bool
}

// Manager keeps every scheduled workflow's triggers wired to the trigger
// services, and persists enable/disable state and firing history through
// Deps.Store when one is configured.
type Manager struct {
	deps Deps

	mu    sync.Mutex
	byName map[string]*registration
}

func New(deps Deps) *Manager {
	return &Manager{deps: deps, byName: make(map[string]*registration)}
}

// Register wires every trigger wf declares to its trigger service and
// marks the workflow enabled. Calling Register again for the same name
// replaces the previous registration.
func (m *Manager) Register(ctx context.Context, wf *domain.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byName[wf.Name]; ok {
		m.unregisterLocked(existing)
	}

	reg := &registration{name: wf.Name, path: wf.LoadedFrom, enabled: true}
	if err := m.wireLocked(wf, reg); err != nil {
		return err
	}
	m.byName[wf.Name] = reg

	if m.deps.Store != nil {
		if err := m.deps.Store.Schedules.Upsert(ctx, wf.Name, wf.LoadedFrom, true, wf.Triggers); err != nil {
			return fmt.Errorf("persisting schedule row for %q: %w", wf.Name, err)
		}
	}
	return nil
}

// wireLocked registers wf's non-manual triggers against the trigger
// services. Caller holds m.mu.
func (m *Manager) wireLocked(wf *domain.Workflow, reg *registration) error {
	for _, t := range wf.Triggers {
		switch t.Kind {
		case domain.TriggerCron:
			if m.deps.Cron == nil {
				continue
			}
			if err := m.deps.Cron.ScheduleCron(wf.Name, wf.LoadedFrom, t.Schedule, t.EffectiveTimezone()); err != nil {
				return fmt.Errorf("workflow %q cron trigger: %w", wf.Name, err)
			}
			reg.hasCron = true
		case domain.TriggerInterval:
			if m.deps.Cron == nil {
				continue
			}
			if err := m.deps.Cron.ScheduleInterval(wf.Name, wf.LoadedFrom, t.Every); err != nil {
				return fmt.Errorf("workflow %q interval trigger: %w", wf.Name, err)
			}
			reg.hasCron = true
		case domain.TriggerFile:
			if m.deps.FileWatch == nil {
				continue
			}
			if err := m.deps.FileWatch.Register(wf.Name, wf.LoadedFrom, t.Path, t.Events, t.Pattern, t.Debounce); err != nil {
				return fmt.Errorf("workflow %q file-watch trigger: %w", wf.Name, err)
			}
			reg.hasFile = true
		case domain.TriggerWebhook:
			if m.deps.Webhook == nil {
				continue
			}
			m.deps.Webhook.Register(t.Path, wf.Name, wf.LoadedFrom, resolveSecret(t.Secret))
			reg.webhookPaths = append(reg.webhookPaths, t.Path)
		case domain.TriggerManual:
			// dispatched directly through the runner, nothing to wire
		}
	}
	return nil
}

// resolveSecret expands a `${VAR}` webhook secret against the process
// environment at registration time (spec.md §8). A secret that isn't
// wrapped in `${...}` is used as a literal value.
func resolveSecret(secret string) string {
	if v, ok := strings.CutPrefix(secret, "${"); ok {
		if name, ok := strings.CutSuffix(v, "}"); ok {
			return os.Getenv(name)
		}
	}
	return secret
}

func (m *Manager) unregisterLocked(reg *registration) {
	if reg.hasCron && m.deps.Cron != nil {
		m.deps.Cron.Unschedule(reg.name)
	}
	if reg.hasFile && m.deps.FileWatch != nil {
		m.deps.FileWatch.Unregister(reg.name)
	}
	if m.deps.Webhook != nil {
		for _, p := range reg.webhookPaths {
			m.deps.Webhook.Unregister(p)
		}
	}
}

// Disable unregisters workflowName's triggers without forgetting it, so
// Enable can re-wire the same configuration later.
func (m *Manager) Disable(ctx context.Context, workflowName string) error {
	m.mu.Lock()
	reg, ok := m.byName[workflowName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no schedule registered for workflow %q", workflowName)
	}
	m.unregisterLocked(reg)
	reg.hasCron, reg.hasFile, reg.webhookPaths = false, false, nil
	reg.enabled = false
	m.mu.Unlock()

	if m.deps.Store != nil {
		return m.deps.Store.Schedules.SetEnabled(ctx, workflowName, false)
	}
	return nil
}

// Enable re-parses workflowName's document from disk and re-registers it,
// picking up any trigger edits made while it was disabled.
func (m *Manager) Enable(ctx context.Context, workflowName string) error {
	m.mu.Lock()
	reg, ok := m.byName[workflowName]
	path := ""
	if ok {
		path = reg.path
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no schedule registered for workflow %q", workflowName)
	}

	wf, err := parser.LoadFile(path)
	if err != nil {
		return fmt.Errorf("reloading %q: %w", workflowName, err)
	}
	return m.Register(ctx, wf)
}

// Pause and Resume are aliases for Disable and Enable: they unwire and
// rewire every trigger kind the workflow declares (file-watch and webhook
// included), not only its cron/interval jobs.
func (m *Manager) Pause(ctx context.Context, workflowName string) error  { return m.Disable(ctx, workflowName) }
func (m *Manager) Resume(ctx context.Context, workflowName string) error { return m.Enable(ctx, workflowName) }

// Status is the enable state and next/last firing info for one workflow.
type Status struct {
	WorkflowName string     `json:"workflow_name"`
	Enabled      bool       `json:"enabled"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
}

// Status reports a single workflow's schedule state, or every registered
// workflow's when name is "".
func (m *Manager) Status(ctx context.Context, name string) ([]Status, error) {
	m.mu.Lock()
	var names []string
	if name != "" {
		if _, ok := m.byName[name]; ok {
			names = []string{name}
		}
	} else {
		for n := range m.byName {
			names = append(names, n)
		}
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(names))
	for _, n := range names {
		st := Status{WorkflowName: n}
		m.mu.Lock()
		reg := m.byName[n]
		m.mu.Unlock()
		st.Enabled = reg.enabled

		if m.deps.Cron != nil {
			if next, ok := m.deps.Cron.NextRun(n); ok {
				st.NextRun = &next
			}
		}
		if m.deps.Store != nil {
			row, err := m.deps.Store.Schedules.Get(ctx, n)
			if err == nil {
				st.LastRun = row.LastRun
				st.LastStatus = row.LastStatus
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// Dispatch loads workflowName's document from path and enqueues a run
// tagged with triggerKind, the common path every trigger service's Fire
// callback funnels through. It records the firing in the schedule row when
// a store is configured.
func (m *Manager) Dispatch(ctx context.Context, workflowName, path string, inputs map[string]any, triggerKind string) (*domain.Execution, error) {
	wf, err := parser.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading %q for %s firing: %w", workflowName, triggerKind, err)
	}

	exec, err := m.deps.Runner.Enqueue(runner.Request{Workflow: wf, Inputs: inputs, TriggerKind: triggerKind})
	if err != nil {
		return nil, err
	}

	if m.deps.Store != nil {
		var next *time.Time
		if m.deps.Cron != nil {
			if n, ok := m.deps.Cron.NextRun(workflowName); ok {
				next = &n
			}
		}
		if err := m.deps.Store.Schedules.RecordFiring(ctx, workflowName, time.Now().UTC(), string(exec.Status), next); err != nil {
			log.Warn().Err(err).Str("workflow", workflowName).Msg("failed to record schedule firing")
		}
	}
	return exec, nil
}

// FireCron adapts Manager.Dispatch to cron.Fire's signature, for wiring
// into cron.New.
func (m *Manager) FireCron(ctx context.Context, workflowName, workflowPath string) {
	if _, err := m.Dispatch(ctx, workflowName, workflowPath, nil, "scheduled"); err != nil {
		log.Error().Err(err).Str("workflow", workflowName).Msg("scheduled firing failed")
	}
}

// FireFileWatch adapts Manager.Dispatch to filewatch.Fire's signature.
func (m *Manager) FireFileWatch(ctx context.Context, workflowName, workflowPath string, event filewatch.Event) {
	inputs := map[string]any{
		"_file_event": map[string]any{
			"type":         event.Type,
			"path":         event.Path,
			"is_directory": event.IsDirectory,
			"timestamp":    event.Timestamp,
		},
	}
	if _, err := m.Dispatch(ctx, workflowName, workflowPath, inputs, "file-watch"); err != nil {
		log.Error().Err(err).Str("workflow", workflowName).Msg("file-watch firing failed")
	}
}

// FireWebhook adapts Manager.Dispatch to webhook.Fire's signature,
// returning the execution id synchronously so the HTTP handler can respond
// with it.
func (m *Manager) FireWebhook(workflowName, workflowPath string, inputs map[string]any) (string, error) {
	exec, err := m.Dispatch(context.Background(), workflowName, workflowPath, inputs, "webhook")
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}
