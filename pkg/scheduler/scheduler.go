package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/polisai/polis-governor/pkg/domain"
)

// Prioritizer maps a resource to an admission priority.
type Prioritizer interface {
	PriorityFor(ctx context.Context, resourceID string) int
}

// FocusSource reports which data domain currently has consumer attention.
// An empty string means no focus is set.
type FocusSource interface {
	Focus() string
}

// FocusFunc adapts a plain function to FocusSource.
type FocusFunc func() string

// Focus implements FocusSource.
func (f FocusFunc) Focus() string { return f() }

// Config describes the priority range and the domains each resource belongs to.
type Config struct {
	MinPriority int                 `yaml:"min_priority" json:"minPriority"`
	MaxPriority int                 `yaml:"max_priority" json:"maxPriority"`
	Domains     map[string][]string `yaml:"domains" json:"domains"`
}

// DefaultConfig returns the 0-10 range with no domain assignments.
func DefaultConfig() Config {
	return Config{
		MinPriority: domain.MinPriority,
		MaxPriority: domain.MaxPriority,
	}
}

// Validate checks the priority range and domain names.
func (c Config) Validate() error {
	var errs []error
	if c.MinPriority > c.MaxPriority {
		errs = append(errs, fmt.Errorf("%w: min_priority %d exceeds max_priority %d",
			domain.ErrConfigInvalid, c.MinPriority, c.MaxPriority))
	}
	for resource, domains := range c.Domains {
		for _, d := range domains {
			if strings.TrimSpace(d) == "" {
				errs = append(errs, fmt.Errorf("%w: resource %q has an empty domain name",
					domain.ErrConfigInvalid, resource))
			}
		}
	}
	return errors.Join(errs...)
}

// Scheduler gives resources in the focused domain the maximum priority and
// everything else the minimum. It is immutable after New and safe for
// concurrent use.
type Scheduler struct {
	min     int
	max     int
	domains map[string]map[string]struct{}
	names   map[string][]string
	focus   FocusSource
}

// New builds a Scheduler. A nil focus source behaves as if no focus is ever set.
func New(cfg Config, focus FocusSource) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		min:     cfg.MinPriority,
		max:     cfg.MaxPriority,
		domains: make(map[string]map[string]struct{}, len(cfg.Domains)),
		names:   make(map[string][]string, len(cfg.Domains)),
		focus:   focus,
	}
	for resource, domains := range cfg.Domains {
		set := make(map[string]struct{}, len(domains))
		names := make([]string, 0, len(domains))
		for _, d := range domains {
			key := normalize(d)
			if _, dup := set[key]; dup {
				continue
			}
			set[key] = struct{}{}
			names = append(names, strings.TrimSpace(d))
		}
		sort.Strings(names)
		s.domains[resource] = set
		s.names[resource] = names
	}
	return s, nil
}

// PriorityFor implements Prioritizer.
func (s *Scheduler) PriorityFor(_ context.Context, resourceID string) int {
	focus := s.currentFocus()
	if focus == "" {
		return s.min
	}
	if _, ok := s.domains[resourceID][focus]; ok {
		return s.max
	}
	return s.min
}

// Domains returns the sorted domain names configured for resourceID.
func (s *Scheduler) Domains(resourceID string) []string {
	return append([]string(nil), s.names[resourceID]...)
}

// Range returns the configured minimum and maximum priority.
func (s *Scheduler) Range() (lo, hi int) {
	return s.min, s.max
}

func (s *Scheduler) currentFocus() string {
	if s.focus == nil {
		return ""
	}
	return normalize(s.focus.Focus())
}

// clamp rounds p to the nearest integer inside [min, max].
func (s *Scheduler) clamp(p float64) int {
	p = math.Round(p)
	if p <= float64(s.min) {
		return s.min
	}
	if p >= float64(s.max) {
		return s.max
	}
	return int(p)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
