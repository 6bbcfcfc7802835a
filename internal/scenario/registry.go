package scenario

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// document mirrors the top-level YAML shape: one scenario per file under a
// "scenario:" key.
type document struct {
	Scenario Scenario `yaml:"scenario"`
}

// Registry holds the loaded scenarios and tracks which ones are enabled.
// Scenario content is immutable after load; only the enabled set and the
// round-robin cursors change at runtime.
type Registry struct {
	mu        sync.Mutex
	scenarios map[string]*Scenario
	names     []string // load order (sorted by filename)
	enabled   map[string]bool
	outCursor int
	inCursor  int
}

// LoadDir reads every *.yaml / *.yml file under dir in sorted filename
// order. Scenarios carrying a company different from the given one are
// skipped. All loaded scenarios start enabled.
func LoadDir(dir, company string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scenario: read dir %q: %w", dir, err)
	}
	r := &Registry{
		scenarios: make(map[string]*Scenario),
		enabled:   make(map[string]bool),
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)

	for _, name := range files {
		sc, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if sc.Company != "" && company != "" && sc.Company != company {
			slog.Info("skipping scenario for different company",
				"scenario", sc.Name, "company", sc.Company)
			continue
		}
		if _, dup := r.scenarios[sc.Name]; dup {
			return nil, fmt.Errorf("scenario: duplicate scenario name %q in %s", sc.Name, name)
		}
		r.scenarios[sc.Name] = sc
		r.names = append(r.names, sc.Name)
		r.enabled[sc.Name] = true
	}
	if len(r.names) == 0 {
		return nil, fmt.Errorf("scenario: load dir %q: %w", dir, ErrEmpty)
	}
	return r, nil
}

func loadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %q: %w", path, err)
	}
	defer f.Close()

	sc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("scenario: %s: %w", filepath.Base(path), err)
	}
	return sc, nil
}

// Parse decodes and validates a single scenario document.
func Parse(r io.Reader) (*Scenario, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	sc := doc.Scenario
	if sc.Name == "" {
		return nil, errors.New("scenario.name is required")
	}
	if len(sc.Flow) == 0 {
		return nil, fmt.Errorf("scenario %q has no flow", sc.Name)
	}
	if err := validateFlow(&sc, "flow", sc.Flow); err != nil {
		return nil, err
	}
	if sc.HasInbound() {
		if err := validateFlow(&sc, "inbound_flow", sc.InboundFlow); err != nil {
			return nil, err
		}
	}
	return &sc, nil
}

// validateFlow checks one step graph: unique ids, known types, resolvable
// references, prompt keys that exist, and no tight self-loop on a step that
// does not wait for an external event.
func validateFlow(sc *Scenario, flowName string, steps []Step) error {
	var errs []error
	ids := make(map[string]bool, len(steps))
	for i := range steps {
		st := &steps[i]
		if st.ID == "" {
			errs = append(errs, fmt.Errorf("%s[%d]: step id is required", flowName, i))
			continue
		}
		if ids[st.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate step id %q", flowName, st.ID))
		}
		ids[st.ID] = true
	}
	for i := range steps {
		st := &steps[i]
		switch st.Type {
		case TypeEntry, TypePlayPrompt, TypeRecord, TypeClassifyIntent,
			TypeRouteByIntent, TypeCheckRetryLimit, TypeSetResult,
			TypeTransferToOperator, TypeDisconnect, TypeHangup, TypeWait:
		default:
			errs = append(errs, fmt.Errorf("%s step %q: unknown type %q", flowName, st.ID, st.Type))
			continue
		}
		if st.Type == TypePlayPrompt {
			if st.Prompt == "" {
				errs = append(errs, fmt.Errorf("%s step %q: play_prompt requires a prompt key", flowName, st.ID))
			} else if _, ok := sc.Prompts[st.Prompt]; !ok {
				errs = append(errs, fmt.Errorf("%s step %q: prompt key %q not in prompts", flowName, st.ID, st.Prompt))
			}
		}
		for _, ref := range st.successors() {
			if !ids[ref] {
				errs = append(errs, fmt.Errorf("%s step %q: reference to unknown step %q", flowName, st.ID, ref))
			}
			if ref == st.ID && !st.suspends() {
				errs = append(errs, fmt.Errorf("%s step %q: refers to itself without consuming input", flowName, st.ID))
			}
		}
	}
	return errors.Join(errs...)
}

// Get returns the scenario with the given name.
func (r *Registry) Get(name string) (*Scenario, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.scenarios[name]
	return sc, ok
}

// Names returns the loaded scenario names in load order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.names)
}

// PanelLabels returns the panel-facing names of all loaded scenarios.
func (r *Registry) PanelLabels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.scenarios[n].PanelLabel())
	}
	return out
}

// SetEnabled restricts the rotation to the named scenarios. Entries match
// either the scenario name or its panel name; unknown entries are logged and
// ignored. An empty list re-enables everything, so a panel that does not
// curate scenarios leaves the full rotation active.
func (r *Registry) SetEnabled(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(names) == 0 {
		for _, n := range r.names {
			r.enabled[n] = true
		}
		return
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	matched := 0
	for _, n := range r.names {
		sc := r.scenarios[n]
		on := want[sc.Name] || want[sc.PanelLabel()]
		r.enabled[n] = on
		if on {
			matched++
		}
	}
	if matched == 0 {
		slog.Warn("panel scenario list matched nothing; keeping all scenarios enabled", "names", names)
		for _, n := range r.names {
			r.enabled[n] = true
		}
	}
}

// NextOutbound returns the next enabled scenario, round-robin.
func (r *Registry) NextOutbound() (*Scenario, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next(&r.outCursor, func(*Scenario) bool { return true })
}

// NextInbound returns the next enabled scenario that declares an inbound
// flow, round-robin.
func (r *Registry) NextInbound() (*Scenario, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next(&r.inCursor, (*Scenario).HasInbound)
}

// next advances cursor over the enabled scenarios matching keep. Caller
// holds r.mu.
func (r *Registry) next(cursor *int, keep func(*Scenario) bool) (*Scenario, bool) {
	n := len(r.names)
	for i := 0; i < n; i++ {
		name := r.names[(*cursor+i)%n]
		if !r.enabled[name] {
			continue
		}
		sc := r.scenarios[name]
		if !keep(sc) {
			continue
		}
		*cursor = (*cursor + i + 1) % n
		return sc, true
	}
	return nil, false
}

// GetStep resolves a step id within the named scenario's outbound or inbound
// flow.
func (r *Registry) GetStep(name, stepID string, inbound bool) (*Step, bool) {
	sc, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return sc.Step(stepID, inbound)
}

// ErrEmpty is returned by callers that require at least one scenario.
var ErrEmpty = errors.New("scenario: no scenarios loaded")

// Len returns the number of loaded scenarios.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

