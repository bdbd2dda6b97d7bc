// Package file provides a read-only rule store backed by a directory of YAML or JSON rule
// definitions, with hot reload through fsnotify.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
	"gopkg.in/yaml.v3"
)

// RuleStore implements persistence.RuleStore over a rules directory. Definitions are
// read-only; trigger bookkeeping is kept in memory and survives reloads.
type RuleStore struct {
	root string

	mu       sync.Mutex
	counts   map[string]int64
	lastSeen map[string]time.Time
}

var _ persistence.RuleStore = (*RuleStore)(nil)

// NewRuleStore creates a store reading from root. A "file://" prefix is accepted.
func NewRuleStore(root string) *RuleStore {
	return &RuleStore{
		root:     strings.Replace(root, "file://", "", 1),
		counts:   make(map[string]int64),
		lastSeen: make(map[string]time.Time),
	}
}

// Root returns the watched directory.
func (s *RuleStore) Root() string { return s.root }

// HealthCheck verifies the rules directory exists.
func (s *RuleStore) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func isRuleFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// LoadRule reads the rules held by one file: either a single rule document or a document
// with a top-level "rules" list.
func LoadRule(path string) ([]*models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}

	unmarshal := yaml.Unmarshal
	if filepath.Ext(path) == ".json" {
		unmarshal = json.Unmarshal
	}

	var list struct {
		Rules []*models.Rule `json:"rules" yaml:"rules"`
	}

	if err := unmarshal(data, &list); err == nil && len(list.Rules) > 0 {
		return list.Rules, nil
	}

	var rule models.Rule
	if err := unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}

	return []*models.Rule{&rule}, nil
}

// load reads every rule file under root. Duplicate ids are rejected.
func (s *RuleStore) load() (map[string]*models.Rule, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading rules directory: %w", err)
	}

	rules := make(map[string]*models.Rule)

	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}

		loaded, err := LoadRule(filepath.Join(s.root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading rule %s: %w", entry.Name(), err)
		}

		for _, rule := range loaded {
			if _, dup := rules[rule.ID]; dup {
				return nil, fmt.Errorf("duplicate rule id %q in %s", rule.ID, entry.Name())
			}

			rules[rule.ID] = rule
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rule := range rules {
		rule.TriggerCount = s.counts[id]

		if at, ok := s.lastSeen[id]; ok {
			triggeredAt := at
			rule.LastTriggeredAt = &triggeredAt
		}
	}

	return rules, nil
}

func (s *RuleStore) Rules(_ context.Context) ([]*models.Rule, error) {
	loaded, err := s.load()
	if err != nil {
		return nil, err
	}

	rules := make([]*models.Rule, 0, len(loaded))
	for _, rule := range loaded {
		rules = append(rules, rule)
	}

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}

		return rules[i].ID < rules[j].ID
	})

	return rules, nil
}

func (s *RuleStore) RuleByID(_ context.Context, id string) (*models.Rule, error) {
	loaded, err := s.load()
	if err != nil {
		return nil, err
	}

	rule, ok := loaded[id]
	if !ok {
		return nil, persistence.NewRuleError("RuleByID", id, persistence.ErrRuleNotFound)
	}

	return rule, nil
}

func (s *RuleStore) SaveRule(_ context.Context, rule *models.Rule) error {
	return persistence.NewRuleError("SaveRule", rule.ID, persistence.ErrReadOnly)
}

func (s *RuleStore) DeleteRule(_ context.Context, id string) error {
	return persistence.NewRuleError("DeleteRule", id, persistence.ErrReadOnly)
}

func (s *RuleStore) RecordTrigger(_ context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[ruleID]++
	s.lastSeen[ruleID] = at

	return nil
}
