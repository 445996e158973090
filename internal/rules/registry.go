// Package rules provides the versioned rule registry and the CEL-based rule
// evaluator.
package rules

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/opensource-finance/axm/internal/domain"
)

// compiledRule pairs a rule version with its executable predicate.
type compiledRule struct {
	rule    domain.Rule
	version *semver.Version
	pred    Predicate
}

// Snapshot is an immutable, ordered view of the active rule set. A batch
// evaluated against one Snapshot never sees a half-applied registry change.
type Snapshot struct {
	seq   uint64
	rules []compiledRule
}

// Seq identifies the registry generation the snapshot was taken from.
func (s *Snapshot) Seq() uint64 { return s.seq }

// Len returns the number of active rules.
func (s *Snapshot) Len() int { return len(s.rules) }

// Rules returns copies of the active rules in evaluation order.
func (s *Snapshot) Rules() []domain.Rule {
	out := make([]domain.Rule, len(s.rules))
	for i := range s.rules {
		out[i] = s.rules[i].rule
	}
	return out
}

// Active reports whether the snapshot contains the given rule_id.
func (s *Snapshot) Active(ruleID string) bool {
	for i := range s.rules {
		if s.rules[i].rule.ID == ruleID {
			return true
		}
	}
	return false
}

// Registry holds every registered rule version. Readers load the current
// Snapshot without locking; writers serialize on mu and publish a new one.
type Registry struct {
	mu       sync.Mutex
	compiler *Compiler
	versions map[string][]*compiledRule // sorted by semver ascending
	active   map[string]*compiledRule
	seq      uint64
	now      func() time.Time

	current atomic.Pointer[Snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry(compiler *Compiler) *Registry {
	r := &Registry{
		compiler: compiler,
		versions: make(map[string][]*compiledRule),
		active:   make(map[string]*compiledRule),
		now:      time.Now,
	}
	r.current.Store(&Snapshot{})
	return r
}

// Snapshot returns the current active rule set.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Register adds a new rule version. A rule registered as active replaces the
// currently active version of the same rule_id in one step.
func (r *Registry) Register(rule domain.Rule) (domain.Rule, error) {
	version, err := validateRule(&rule)
	if err != nil {
		return domain.Rule{}, err
	}

	pred, err := r.compiler.Compile(&rule)
	if err != nil {
		return domain.Rule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.versions[rule.ID] {
		if existing.version.Equal(version) {
			return domain.Rule{}, &domain.DuplicateRuleError{RuleID: rule.ID, Version: rule.Version}
		}
	}

	now := r.now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	wantActive := rule.Active
	rule.Active = false
	cr := &compiledRule{rule: rule, version: version, pred: pred}

	list := append(r.versions[rule.ID], cr)
	sort.Slice(list, func(i, j int) bool { return list[i].version.LessThan(list[j].version) })
	r.versions[rule.ID] = list

	if wantActive {
		r.activateLocked(cr)
	}
	r.publishLocked()

	return cr.rule, nil
}

// Activate makes the given version the only active version of rule_id. An
// empty version selects the highest registered version.
func (r *Registry) Activate(ruleID, version string) (domain.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cr, err := r.findLocked(ruleID, version)
	if err != nil {
		return domain.Rule{}, err
	}
	if r.active[ruleID] == cr {
		return cr.rule, nil
	}

	r.activateLocked(cr)
	r.publishLocked()
	return cr.rule, nil
}

// Deactivate retires the active version of rule_id. Every version is kept for
// audit. Deactivating a rule with no active version is a no-op.
func (r *Registry) Deactivate(ruleID string) (domain.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.versions[ruleID]
	if !ok {
		return domain.Rule{}, fmt.Errorf("rule %s: %w", ruleID, domain.ErrNotFound)
	}

	cr, ok := r.active[ruleID]
	if !ok {
		return list[len(list)-1].rule, nil
	}

	cr.rule.Active = false
	cr.rule.UpdatedAt = r.now().UTC()
	delete(r.active, ruleID)
	r.publishLocked()
	return cr.rule, nil
}

// RulesFor returns the active rules of one category ordered by rule_id. The
// sequence is bound to the snapshot current at call time and may be ranged
// over any number of times.
func (r *Registry) RulesFor(category domain.Category) iter.Seq[domain.Rule] {
	snap := r.Snapshot()
	return func(yield func(domain.Rule) bool) {
		for i := range snap.rules {
			if snap.rules[i].rule.Category != category {
				continue
			}
			if !yield(snap.rules[i].rule) {
				return
			}
		}
	}
}

// Versions returns every registered version of rule_id, lowest first.
func (r *Registry) Versions(ruleID string) ([]domain.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.versions[ruleID]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", ruleID, domain.ErrNotFound)
	}
	out := make([]domain.Rule, len(list))
	for i, cr := range list {
		out[i] = cr.rule
	}
	return out, nil
}

// List returns every registered rule version ordered by rule_id then version.
func (r *Registry) List() []domain.Rule {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.versions))
	for id := range r.versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []domain.Rule
	for _, id := range ids {
		for _, cr := range r.versions[id] {
			out = append(out, cr.rule)
		}
	}
	return out
}

// Load registers rules in bulk, skipping versions that already exist.
// Other failures are joined and returned after every rule has been tried.
func (r *Registry) Load(rules []domain.Rule) error {
	var errs []error
	for _, rule := range rules {
		if _, err := r.Register(rule); err != nil {
			if errors.Is(err, domain.ErrDuplicateRule) {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Builtins lists predicate names usable with PredicateBuiltin.
func (r *Registry) Builtins() []string {
	return r.compiler.Builtins()
}

func (r *Registry) findLocked(ruleID, version string) (*compiledRule, error) {
	list, ok := r.versions[ruleID]
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("rule %s: %w", ruleID, domain.ErrNotFound)
	}
	if version == "" {
		return list[len(list)-1], nil
	}

	want, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", domain.ErrInvalidRule, version, err)
	}
	for _, cr := range list {
		if cr.version.Equal(want) {
			return cr, nil
		}
	}
	return nil, fmt.Errorf("rule %s@%s: %w", ruleID, version, domain.ErrNotFound)
}

func (r *Registry) activateLocked(cr *compiledRule) {
	now := r.now().UTC()
	if prev, ok := r.active[cr.rule.ID]; ok && prev != cr {
		prev.rule.Active = false
		prev.rule.UpdatedAt = now
	}
	cr.rule.Active = true
	cr.rule.UpdatedAt = now
	r.active[cr.rule.ID] = cr
}

// publishLocked builds a fresh snapshot ordered by category then rule_id and
// swaps it in. Rule values are copied so later flag changes never leak into
// a published snapshot.
func (r *Registry) publishLocked() {
	rules := make([]compiledRule, 0, len(r.active))
	for _, cr := range r.active {
		rules = append(rules, *cr)
	}
	sort.Slice(rules, func(i, j int) bool {
		ci, cj := rules[i].rule.Category.Rank(), rules[j].rule.Category.Rank()
		if ci != cj {
			return ci < cj
		}
		return rules[i].rule.ID < rules[j].rule.ID
	})

	r.seq++
	r.current.Store(&Snapshot{seq: r.seq, rules: rules})
}

func validateRule(rule *domain.Rule) (*semver.Version, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrInvalidRule)
	}
	if rule.Version == "" {
		return nil, fmt.Errorf("%w: rule %s: version is required", domain.ErrInvalidRule, rule.ID)
	}
	version, err := semver.NewVersion(rule.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: version %q: %v", domain.ErrInvalidRule, rule.ID, rule.Version, err)
	}
	if !rule.Category.Valid() {
		return nil, fmt.Errorf("%w: rule %s: unknown category %q", domain.ErrInvalidRule, rule.ID, rule.Category)
	}
	if !rule.Priority.Valid() {
		return nil, fmt.Errorf("%w: rule %s: unknown priority %q", domain.ErrInvalidRule, rule.ID, rule.Priority)
	}
	if rule.Weight < 0 || rule.Weight > 1 {
		return nil, fmt.Errorf("%w: rule %s: weight %.3f outside [0,1]", domain.ErrInvalidRule, rule.ID, rule.Weight)
	}
	return version, nil
}
