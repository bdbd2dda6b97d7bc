// Package rules loads rule definitions, routes trigger events to them and executes their
// actions with cooldown, daily-limit and execution-mode controls.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

// ErrRegistryClosed is returned by Load after Shutdown.
var ErrRegistryClosed = errors.New("rule registry shut down")

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid rule")

// Registry owns the loaded rule set. Invalid definitions are logged and left out so one
// broken rule never blocks the others.
type Registry struct {
	store    persistence.RuleStore
	validate *validator.Validate
	logger   *slog.Logger

	mu       sync.RWMutex
	rules    map[string]*models.Rule
	invalid  map[string]error
	closed   bool
	loadedAt time.Time
}

func NewRegistry(store persistence.RuleStore, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		validate: NewValidator(),
		logger:   logger.With("module", "rule_registry"),
		rules:    make(map[string]*models.Rule),
		invalid:  make(map[string]error),
	}
}

// NewValidator returns the validator used for rule definitions.
func NewValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// Load replaces the rule set with the store's current definitions.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return ErrRegistryClosed
	}

	loaded, err := r.store.Rules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	rules := make(map[string]*models.Rule, len(loaded))
	invalid := make(map[string]error)

	for _, rule := range loaded {
		if err := ValidateRule(r.validate, rule); err != nil {
			r.logger.ErrorContext(ctx, "Skipping invalid rule", "rule_id", rule.ID, "error", err)
			invalid[rule.ID] = err

			continue
		}

		rules[rule.ID] = rule
	}

	r.mu.Lock()
	r.rules = rules
	r.invalid = invalid
	r.loadedAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "Rules loaded", "valid", len(rules), "invalid", len(invalid))

	return nil
}

// Reload is Load under another name, called on rule file changes.
func (r *Registry) Reload(ctx context.Context) error {
	return r.Load(ctx)
}

// Active returns the active rules ordered by priority descending, then id.
func (r *Registry) Active() []*models.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]*models.Rule, 0, len(r.rules))

	for _, rule := range r.rules {
		if rule.Active {
			active = append(active, rule)
		}
	}

	sortRules(active)

	return active
}

// All returns every valid rule, active or not, in priority order.
func (r *Registry) All() []*models.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*models.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		all = append(all, rule)
	}

	sortRules(all)

	return all
}

func (r *Registry) Get(id string) (*models.Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]

	return rule, ok
}

// Invalid returns the validation errors of the rules left out by the last load.
func (r *Registry) Invalid() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	invalid := make(map[string]error, len(r.invalid))
	for id, err := range r.invalid {
		invalid[id] = err
	}

	return invalid
}

func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.loadedAt
}

// Shutdown drops the rule set. Later loads fail with ErrRegistryClosed.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.rules = make(map[string]*models.Rule)
	r.invalid = make(map[string]error)
}

// ValidateRule checks struct tags, then what tags cannot express: the cron expression and
// timezone of time triggers.
func ValidateRule(v *validator.Validate, rule *models.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}

	if err := v.Struct(rule); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidRule, rule.ID, err)
	}

	if rule.Trigger.Type == models.TriggerTime && rule.Trigger.Time != nil {
		if err := rule.Trigger.Time.Validate(); err != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalidRule, rule.ID, err)
		}
	}

	for i, cond := range rule.Conditions {
		if cond.Operator != models.OpMatches {
			continue
		}

		pattern, ok := cond.Value.(string)
		if !ok {
			return fmt.Errorf("%w %q: condition %d: matches needs a string pattern", ErrInvalidRule, rule.ID, i)
		}

		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w %q: condition %d: %w", ErrInvalidRule, rule.ID, i, err)
		}
	}

	return nil
}

func sortRules(rules []*models.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}

		return rules[i].ID < rules[j].ID
	})
}
