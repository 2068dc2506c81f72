// Package catalog holds the read-only VIP tier catalog.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Tier is a priced catalog entry. Price is in minor currency units.
type Tier struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Price        int64  `yaml:"price" json:"price"`
	DurationDays int    `yaml:"duration_days" json:"duration_days"`
	RewardCoins  int64  `yaml:"reward_coins" json:"reward_coins"`
}

type tierFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// Catalog is an in-memory, concurrency-safe view of the tier file.
type Catalog struct {
	mu     sync.RWMutex
	path   string
	byID   map[string]Tier
	byName map[string]Tier
	sorted []Tier
}

// New builds a catalog from a fixed tier list.
func New(tiers []Tier) (*Catalog, error) {
	c := &Catalog{}
	if err := c.set(tiers); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	tiers, err := readTiers(path)
	if err != nil {
		return nil, err
	}
	c := &Catalog{path: path}
	if err := c.set(tiers); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the backing file, or "" for a fixed catalog.
func (c *Catalog) Path() string {
	return c.path
}

// Reload re-reads the backing file. On error the current tiers stay in place.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	tiers, err := readTiers(c.path)
	if err != nil {
		return err
	}
	return c.set(tiers)
}

// TierByID returns the tier with the given id.
func (c *Catalog) TierByID(id string) (Tier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[strings.TrimSpace(id)]
	return t, ok
}

// TierByName returns the tier with the given display name.
func (c *Catalog) TierByName(name string) (Tier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byName[strings.TrimSpace(name)]
	return t, ok
}

// ListTiers returns all tiers ordered by price, cheapest first.
func (c *Catalog) ListTiers() []Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tier, len(c.sorted))
	copy(out, c.sorted)
	return out
}

func (c *Catalog) set(tiers []Tier) error {
	byID := make(map[string]Tier, len(tiers))
	byName := make(map[string]Tier, len(tiers))
	for i, t := range tiers {
		t.ID = strings.TrimSpace(t.ID)
		t.Name = strings.TrimSpace(t.Name)
		if err := validateTier(t); err != nil {
			return fmt.Errorf("tier %d: %w", i, err)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate tier id %q", t.ID)
		}
		if _, dup := byName[t.Name]; dup {
			return fmt.Errorf("duplicate tier name %q", t.Name)
		}
		byID[t.ID] = t
		byName[t.Name] = t
	}

	sorted := make([]Tier, 0, len(byID))
	for _, t := range byID {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Price != sorted[j].Price {
			return sorted[i].Price < sorted[j].Price
		}
		return sorted[i].ID < sorted[j].ID
	})

	c.mu.Lock()
	c.byID = byID
	c.byName = byName
	c.sorted = sorted
	c.mu.Unlock()
	return nil
}

func validateTier(t Tier) error {
	switch {
	case t.ID == "":
		return fmt.Errorf("missing id")
	case t.Name == "":
		return fmt.Errorf("missing name")
	case t.Name == "null":
		return fmt.Errorf("name %q is reserved", t.Name)
	case t.Price < 0:
		return fmt.Errorf("price must not be negative, got %d", t.Price)
	case t.DurationDays <= 0:
		return fmt.Errorf("duration_days must be positive, got %d", t.DurationDays)
	case t.RewardCoins < 0:
		return fmt.Errorf("reward_coins must not be negative, got %d", t.RewardCoins)
	}
	return nil
}

func readTiers(path string) ([]Tier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier catalog: %w", err)
	}
	var f tierFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tier catalog: %w", err)
	}
	return f.Tiers, nil
}
