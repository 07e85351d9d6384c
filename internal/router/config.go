package router

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Budget limits usage over a period. A nil limit is unlimited; a zero limit
// admits nothing. A zero Period means the ledger is only reset externally.
type Budget struct {
	MaxTokens *int64        `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MaxCost   *float64      `yaml:"max_cost,omitempty" json:"max_cost,omitempty"`
	Period    time.Duration `yaml:"period,omitempty" json:"period,omitempty"`
}

func (b Budget) Limited() bool { return b.MaxTokens != nil || b.MaxCost != nil }

type Route struct {
	Primary   string   `yaml:"primary" json:"primary"`
	Fallbacks []string `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty"`
	Budget    Budget   `yaml:"budget,omitempty" json:"budget"`
}

// Candidates returns the primary followed by the fallback chain, without duplicates.
func (r Route) Candidates() []string {
	out := make([]string, 0, 1+len(r.Fallbacks))
	seen := map[string]bool{}
	for _, m := range append([]string{r.Primary}, r.Fallbacks...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// Model is the catalog entry for a concrete model identifier.
type Model struct {
	CostPer1K float64 `yaml:"cost_per_1k_tokens,omitempty" json:"cost_per_1k_tokens,omitempty"`
	Budget    Budget  `yaml:"budget,omitempty" json:"budget"`
}

// Cost prices a token count.
func (m Model) Cost(tokens int) float64 { return float64(tokens) * m.CostPer1K / 1000 }

// Table is the route configuration. It is treated as immutable once handed to a Router.
type Table struct {
	Routes map[string]Route `yaml:"routes" json:"routes"`
	Models map[string]Model `yaml:"models,omitempty" json:"models,omitempty"`
}

func ParseTable(b []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("parse route table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func LoadTable(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route table: %w", err)
	}
	return ParseTable(b)
}

func (t *Table) Validate() error {
	if t == nil || len(t.Routes) == 0 {
		return errors.New("route table has no routes")
	}
	for name, r := range t.Routes {
		if r.Primary == "" {
			return fmt.Errorf("route %q: primary model required", name)
		}
		if err := r.Budget.validate(); err != nil {
			return fmt.Errorf("route %q: %w", name, err)
		}
	}
	for id, m := range t.Models {
		if m.CostPer1K < 0 {
			return fmt.Errorf("model %q: negative cost", id)
		}
		if err := m.Budget.validate(); err != nil {
			return fmt.Errorf("model %q: %w", id, err)
		}
	}
	return nil
}

func (b Budget) validate() error {
	if b.MaxTokens != nil && *b.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	if b.MaxCost != nil && *b.MaxCost < 0 {
		return errors.New("max_cost must not be negative")
	}
	if b.Period < 0 {
		return errors.New("period must not be negative")
	}
	return nil
}

// RouteNames lists configured routes in sorted order.
func (t *Table) RouteNames() []string {
	names := make([]string, 0, len(t.Routes))
	for n := range t.Routes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultTable builds plan/code/chat routes over the given models: the first
// is primary, the rest form the fallback chain.
func DefaultTable(models []string) *Table {
	if len(models) == 0 {
		models = []string{"mock:default"}
	}
	r := Route{Primary: models[0], Fallbacks: append([]string(nil), models[1:]...)}
	return &Table{Routes: map[string]Route{"plan": r, "code": r, "chat": r}, Models: map[string]Model{}}
}
