package storage

import (
	"context"
	"fmt"
	"sync"

	"ppc-rules-engine/internal/validation"
)

// Memory is an in-process store used when no database is configured, by the
// CLI, and in tests. Reads return copies.
type Memory struct {
	mu        sync.RWMutex
	campaigns []validation.Campaign
	rules     []validation.Rule
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) UpdateCampaigns(campaigns []validation.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns = append([]validation.Campaign(nil), campaigns...)
}

func (m *Memory) UpdateRules(rules []validation.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]validation.Rule(nil), rules...)
}

func (m *Memory) LoadCampaigns(_ context.Context) ([]validation.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]validation.Campaign(nil), m.campaigns...), nil
}

func (m *Memory) LoadRules(_ context.Context) ([]validation.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]validation.Rule(nil), m.rules...), nil
}

func (m *Memory) GetRule(_ context.Context, id string) (validation.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return validation.Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
}

func (m *Memory) InsertRule(_ context.Context, r validation.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("rule %s: %w", r.ID, ErrExists)
		}
	}
	m.rules = append(m.rules, r)
	return nil
}

func (m *Memory) SetRuleActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == id {
			m.rules[i].IsActive = active
			return nil
		}
	}
	return fmt.Errorf("rule %s: %w", id, ErrNotFound)
}
