// Package catalog is the boundary to the service catalog. The checkout core
// only needs unit prices and display names; catalog management lives elsewhere.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/iliamunaev/marketplace-checkout/internal/money"
)

// Item is a resolved catalog entry. UnitPrice is in minor units.
type Item struct {
	ID        string
	Name      string
	UnitPrice int64
}

// Resolver resolves catalog ids. Unknown ids are dropped from the result,
// never reported as zero-price items.
type Resolver interface {
	ResolveItems(ctx context.Context, ids []string) ([]Item, error)
}

// Static is a Resolver over a fixed set of items.
type Static struct {
	items map[string]Item
}

// NewStatic returns a resolver over items.
func NewStatic(items ...Item) *Static {
	s := &Static{items: make(map[string]Item, len(items))}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

// ResolveItems returns the known items among ids, sorted by id.
func (s *Static) ResolveItems(ctx context.Context, ids []string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if it, ok := s.items[id]; ok {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Lookup returns a single item.
func (s *Static) Lookup(id string) (Item, bool) {
	it, ok := s.items[id]
	return it, ok
}

type fileItem struct {
	ID        string          `yaml:"id"`
	Name      string          `yaml:"name"`
	UnitPrice decimal.Decimal `yaml:"unit_price"`
}

type fileCatalog struct {
	Items []fileItem `yaml:"items"`
}

// LoadFile reads a YAML catalog:
//
//	items:
//	  - id: plumbing
//	    name: Plumbing
//	    unit_price: "50.00"
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Static, error) {
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	items := make([]Item, 0, len(fc.Items))
	for i, fi := range fc.Items {
		id := strings.TrimSpace(fi.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog item %d: empty id", i)
		}
		price, err := money.ToMinor(fi.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("catalog item %q: %w", id, err)
		}
		if price <= 0 {
			return nil, fmt.Errorf("catalog item %q: unit price must be positive", id)
		}
		items = append(items, Item{ID: id, Name: fi.Name, UnitPrice: price})
	}
	return NewStatic(items...), nil
}

// Default is the catalog used when no file is configured.
func Default() *Static {
	return NewStatic(
		Item{ID: "plumbing", Name: "Plumbing", UnitPrice: 5000},
		Item{ID: "electrical", Name: "Electrical", UnitPrice: 7000},
		Item{ID: "ac-repair", Name: "AC Repair", UnitPrice: 10000},
	)
}
