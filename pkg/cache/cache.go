package cache

import (
	"context"
	"sync"

	"github.com/umbrix-io/umbrix/pkg/events"
	"github.com/umbrix-io/umbrix/pkg/log"
	"github.com/umbrix-io/umbrix/pkg/types"
)

// SettingsLoader fetches the platform settings from their source of truth
type SettingsLoader func(ctx context.Context) (*types.Settings, error)

// OutcomesLoader fetches the full outcome catalogue
type OutcomesLoader func(ctx context.Context) ([]*types.Outcome, error)

// RulesLoader fetches the notification rule catalogue
type RulesLoader func(ctx context.Context) ([]*types.Rule, error)

// Cache holds the process-local, read-only views the dispatch pipeline
// reads on its hot path. Settings and outcomes are cached until an
// entity event invalidates them; the rule catalogue is cached until the
// publisher explicitly invalidates it at the start of each batch
type Cache struct {
	mu sync.RWMutex

	loadSettings SettingsLoader
	loadOutcomes OutcomesLoader
	loadRules    RulesLoader

	settings *types.Settings
	outcomes map[string]*types.Outcome
	rules    []*types.Rule
	ruleMap  map[string]*types.Rule
}

// New creates a cache wired to the given loaders
func New(loadSettings SettingsLoader, loadOutcomes OutcomesLoader, loadRules RulesLoader) *Cache {
	return &Cache{
		loadSettings: loadSettings,
		loadOutcomes: loadOutcomes,
		loadRules:    loadRules,
	}
}

// WatchBroker subscribes to the entity event broker and drops the
// outcome cache on every outcome mutation. It returns when the context
// is cancelled
func (c *Cache) WatchBroker(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	logger := log.WithComponent("cache")
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventOutcomeAdded, events.EventOutcomeUpdated, events.EventOutcomeDeleted:
				c.InvalidateOutcomes()
				logger.Debug().Str("event", string(ev.Type)).Msg("outcome cache invalidated")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Settings returns the cached platform settings, loading them on first use
func (c *Cache) Settings(ctx context.Context) (*types.Settings, error) {
	c.mu.RLock()
	settings := c.settings
	c.mu.RUnlock()
	if settings != nil {
		return settings, nil
	}

	loaded, err := c.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.settings = loaded
	c.mu.Unlock()
	return loaded, nil
}

// Outcomes returns the cached outcome catalogue keyed by id
func (c *Cache) Outcomes(ctx context.Context) (map[string]*types.Outcome, error) {
	c.mu.RLock()
	outcomes := c.outcomes
	c.mu.RUnlock()
	if outcomes != nil {
		return outcomes, nil
	}

	loaded, err := c.loadOutcomes(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Outcome, len(loaded))
	for _, outcome := range loaded {
		byID[outcome.ID] = outcome
	}
	c.mu.Lock()
	c.outcomes = byID
	c.mu.Unlock()
	return byID, nil
}

// Rules returns the cached notification rule catalogue
func (c *Cache) Rules(ctx context.Context) ([]*types.Rule, error) {
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()
	if rules != nil {
		return rules, nil
	}

	loaded, err := c.loadRules(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Rule, len(loaded))
	for _, rule := range loaded {
		byID[rule.ID] = rule
	}
	c.mu.Lock()
	c.rules = loaded
	c.ruleMap = byID
	c.mu.Unlock()
	return loaded, nil
}

// Rule resolves one rule by id from the cached catalogue
func (c *Cache) Rule(ctx context.Context, id string) (*types.Rule, error) {
	if _, err := c.Rules(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ruleMap[id], nil
}

// InvalidateOutcomes drops the cached outcome catalogue
func (c *Cache) InvalidateOutcomes() {
	c.mu.Lock()
	c.outcomes = nil
	c.mu.Unlock()
}

// InvalidateRules drops the cached rule catalogue. The publisher calls
// this at the start of every batch so rules are refreshed once per
// stream-processing cycle
func (c *Cache) InvalidateRules() {
	c.mu.Lock()
	c.rules = nil
	c.ruleMap = nil
	c.mu.Unlock()
}

// InvalidateSettings drops the cached settings
func (c *Cache) InvalidateSettings() {
	c.mu.Lock()
	c.settings = nil
	c.mu.Unlock()
}
