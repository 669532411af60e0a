package cart

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
)

func TestMemory_GetUnknownOwner(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	got := s.Get("nobody")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMemory_SetReplacesWholeMapping(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	s.Set("u1", map[string]int{"a": 1, "b": 2})
	s.Set("u1", map[string]int{"c": 3})

	assert.Equal(t, map[string]int{"c": 3}, s.Get("u1"))
}

func TestMemory_ZeroQuantityMeansAbsence(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	s.Set("u1", map[string]int{"a": 0, "b": -1, "c": 2})

	assert.Equal(t, map[string]int{"c": 2}, s.Get("u1"))
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	s.Set("u1", map[string]int{"a": 1})

	got := s.Get("u1")
	got["a"] = 99
	got["z"] = 1

	assert.Equal(t, map[string]int{"a": 1}, s.Get("u1"))
}

func TestMemory_Clear(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	s.Set("u1", map[string]int{"a": 1})
	s.Set("u2", map[string]int{"b": 1})
	s.Clear("u1")

	assert.Empty(t, s.Get("u1"))
	assert.Equal(t, map[string]int{"b": 1}, s.Get("u2"))
}

func TestMemory_ItemOperations(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	require.NoError(t, s.AddItem("u1", "item42", 1))
	require.NoError(t, s.AddItem("u1", "item42", 1))
	assert.Equal(t, map[string]int{"item42": 2}, s.Get("u1"))

	require.NoError(t, s.SetQuantity("u1", "item42", 5))
	assert.Equal(t, 5, s.Get("u1")["item42"])

	err := s.SetQuantity("u1", "missing", 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.ErrorIs(t, s.AddItem("u1", "item42", 0), apperr.ErrInvalidRequest)

	s.RemoveItem("u1", "item42")
	s.RemoveItem("u1", "item42")
	assert.Empty(t, s.Get("u1"))
}

func TestMemory_ConcurrentAdds(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	const workers = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Go(func() {
			_ = s.AddItem("u1", "shared", 1)
			_ = s.AddItem(fmt.Sprintf("owner-%d", w), "own", 1)
		})
	}
	wg.Wait()

	assert.Equal(t, workers, s.Get("u1")["shared"])
	assert.Equal(t, 1, s.Get("owner-7")["own"])
}
