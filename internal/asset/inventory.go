// Package asset answers which hosts are critical. Patterns are shell globs
// matched case-insensitively against host ids, e.g. "dc-*" or "*.prod.corp".
package asset

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// TagCritical marks a host critical when present in its tag list.
const TagCritical = "critical"

type Config struct {
	Critical []string            `yaml:"critical" json:"critical"`
	Tags     map[string][]string `yaml:"tags" json:"tags,omitempty"`
}

type Inventory struct {
	mu       sync.RWMutex
	patterns []string
	tags     map[string][]string
}

func New(cfg Config) (*Inventory, error) {
	inv := &Inventory{}
	if err := inv.Update(cfg); err != nil {
		return nil, err
	}
	return inv, nil
}

// Update replaces the inventory contents, e.g. after a config reload.
func (i *Inventory) Update(cfg Config) error {
	patterns := make([]string, 0, len(cfg.Critical))
	for _, p := range cfg.Critical {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("critical asset pattern %q: %w", p, err)
		}
		patterns = append(patterns, p)
	}
	tags := make(map[string][]string, len(cfg.Tags))
	for host, ts := range cfg.Tags {
		norm := make([]string, 0, len(ts))
		for _, t := range ts {
			norm = append(norm, strings.ToLower(strings.TrimSpace(t)))
		}
		sort.Strings(norm)
		tags[strings.ToLower(host)] = norm
	}

	i.mu.Lock()
	i.patterns, i.tags = patterns, tags
	i.mu.Unlock()
	return nil
}

// IsCritical reports whether host matches a critical pattern or carries the
// critical tag.
func (i *Inventory) IsCritical(host string) bool {
	if i == nil {
		return false
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, p := range i.patterns {
		if ok, _ := path.Match(p, h); ok {
			return true
		}
	}
	for _, t := range i.tags[h] {
		if t == TagCritical {
			return true
		}
	}
	return false
}

func (i *Inventory) Tags(host string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]string(nil), i.tags[strings.ToLower(host)]...)
}

// Patterns returns the configured critical patterns.
func (i *Inventory) Patterns() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]string(nil), i.patterns...)
}
