package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"slices"
	"sync"

	"novelfetch/internal/components/telemetry"
	"novelfetch/lib/errkind"

	"github.com/titanous/json5"
)

var (
	ErrInvalidRule   = errkind.Wrap(errkind.Rule, errors.New("invalid rule"))
	ErrRuleNotFound  = errkind.Wrap(errkind.Rule, errors.New("rule not found"))
	ErrNotSearchable = errkind.Wrap(errkind.Rule, errors.New("rule has no search section"))
)

const report_load_rule = "registry.load-rule"

var ruleFileName = regexp.MustCompile(`^rule-\d+\.json5?$`)

// Registry holds the loaded rules keyed by id.
type Registry struct {
	mutex sync.RWMutex
	rules map[int]Rule
	tel   telemetry.API
}

func NewRegistry(tel telemetry.API) *Registry {
	return &Registry{
		rules: map[int]Rule{},
		tel:   telemetry.NewScopedAPI("rules", tel),
	}
}

// Parse decodes, normalizes and validates a single rule file.
func Parse(contents []byte) (Rule, error) {
	var r Rule
	err := json5.Unmarshal(contents, &r)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %s", ErrInvalidRule, err.Error())
	}
	r.normalize()
	err = r.validate()
	if err != nil {
		return Rule{}, err
	}
	return r, nil
}

// LoadFS loads every rule-<id>.json file at the root of fsys. Rules loaded by
// a later call shadow earlier ones with the same id, so bundled rules should
// be loaded before user rules. Malformed files are reported and skipped.
func (r *Registry) LoadFS(fsys fs.FS) (int, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !ruleFileName.MatchString(e.Name()) {
			continue
		}
		contents, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			r.tel.ReportWarning(report_load_rule, e.Name(), err)
			continue
		}
		rule, err := Parse(contents)
		if err != nil {
			r.tel.ReportWarning(report_load_rule, e.Name(), err)
			continue
		}
		r.Put(rule)
		loaded++
	}
	return loaded, nil
}

// LoadDir is LoadFS over a directory, a missing directory loads nothing.
func (r *Registry) LoadDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	_, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		r.tel.ReportDebug("rule directory missing", path.Clean(dir))
		return 0, nil
	}
	return r.LoadFS(os.DirFS(dir))
}

// Put registers a rule, shadowing any rule with the same id.
func (r *Registry) Put(rule Rule) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.rules[rule.ID]; exists {
		r.tel.ReportDebug("rule shadowed", rule.ID, rule.Name)
	}
	r.rules[rule.ID] = rule
}

func (r *Registry) Get(id int) (Rule, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("source %d: %w", id, ErrRuleNotFound)
	}
	return rule, nil
}

// All returns every rule ordered by id.
func (r *Registry) All() []Rule {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	slices.SortFunc(out, func(a, b Rule) int {
		return a.ID - b.ID
	})
	return out
}

func (r *Registry) Searchable() []Rule {
	var out []Rule
	for _, rule := range r.All() {
		if rule.Searchable() {
			out = append(out, rule)
		}
	}
	return out
}
