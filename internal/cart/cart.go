// Package cart holds per-owner shopping carts in process memory.
//
// Every mutation replaces the owner's whole mapping under a single lock,
// so concurrent writers for one owner never observe a partial update.
package cart

import (
	"fmt"
	"sync"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
)

// Store is the cart contract the checkout orchestrator depends on.
type Store interface {
	Get(ownerID string) map[string]int
	Set(ownerID string, items map[string]int)
	Clear(ownerID string)
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.Mutex
	carts map[string]map[string]int
}

// NewMemory returns an empty cart store.
func NewMemory() *Memory {
	return &Memory{carts: make(map[string]map[string]int)}
}

// Get returns a copy of the owner's cart. An unknown owner has an empty cart.
func (m *Memory) Get(ownerID string) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.carts[ownerID])
}

// Set replaces the owner's cart. Entries with a non-positive quantity are
// dropped: quantity 0 means absence.
func (m *Memory) Set(ownerID string, items map[string]int) {
	next := clone(items)
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(next) == 0 {
		delete(m.carts, ownerID)
		return
	}
	m.carts[ownerID] = next
}

// Clear empties the owner's cart.
func (m *Memory) Clear(ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, ownerID)
}

// AddItem increments the quantity of itemID by qty.
func (m *Memory) AddItem(ownerID, itemID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("add item: quantity %d: %w", qty, apperr.ErrInvalidRequest)
	}
	m.update(ownerID, func(items map[string]int) {
		items[itemID] += qty
	})
	return nil
}

// SetQuantity overwrites the quantity of an item already in the cart.
func (m *Memory) SetQuantity(ownerID, itemID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("set quantity: quantity %d: %w", qty, apperr.ErrInvalidRequest)
	}
	var found bool
	m.update(ownerID, func(items map[string]int) {
		if _, found = items[itemID]; found {
			items[itemID] = qty
		}
	})
	if !found {
		return fmt.Errorf("set quantity: item %q: %w", itemID, apperr.ErrNotFound)
	}
	return nil
}

// RemoveItem deletes itemID from the cart. Removing an absent item is a no-op.
func (m *Memory) RemoveItem(ownerID, itemID string) {
	m.update(ownerID, func(items map[string]int) {
		delete(items, itemID)
	})
}

// update applies fn to a copy of the owner's cart and stores the result.
func (m *Memory) update(ownerID string, fn func(map[string]int)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := clone(m.carts[ownerID])
	fn(next)
	next = clone(next)
	if len(next) == 0 {
		delete(m.carts, ownerID)
		return
	}
	m.carts[ownerID] = next
}

func clone(items map[string]int) map[string]int {
	out := make(map[string]int, len(items))
	for id, qty := range items {
		if qty > 0 {
			out[id] = qty
		}
	}
	return out
}
