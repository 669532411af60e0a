package httptransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/model"
	"github.com/iliamunaev/marketplace-checkout/internal/money"
)

func (h *Handler) HandleGetCart(w http.ResponseWriter, r *http.Request) {
	h.writeCart(w, r, ownerFrom(r.Context()))
}

// HandleAddCartItem adds quantity (default 1) of a catalog item.
func (h *Handler) HandleAddCartItem(w http.ResponseWriter, r *http.Request) {
	var req model.CartItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		writeError(w, r, badRequest(errors.New("item_id is required")), nil)
		return
	}
	qty := 1
	if req.Quantity != nil {
		qty = *req.Quantity
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	items, err := h.catalog.ResolveItems(ctx, []string{itemID})
	if err != nil {
		writeError(w, r, fmt.Errorf("resolve item: %w: %w", apperr.ErrCatalogUnavailable, err), nil)
		return
	}
	if len(items) == 0 {
		writeError(w, r, fmt.Errorf("item %q: %w", itemID, apperr.ErrNotFound), nil)
		return
	}

	owner := ownerFrom(r.Context())
	if err := h.carts.AddItem(owner, itemID, qty); err != nil {
		writeError(w, r, err, nil)
		return
	}
	h.writeCart(w, r, owner)
}

// HandleSetCartItem overwrites the quantity of a line already in the cart.
func (h *Handler) HandleSetCartItem(w http.ResponseWriter, r *http.Request) {
	var req model.QuantityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	owner := ownerFrom(r.Context())
	if err := h.carts.SetQuantity(owner, chi.URLParam(r, "itemID"), req.Quantity); err != nil {
		writeError(w, r, err, nil)
		return
	}
	h.writeCart(w, r, owner)
}

func (h *Handler) HandleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	h.carts.RemoveItem(owner, chi.URLParam(r, "itemID"))
	h.writeCart(w, r, owner)
}

// writeCart prices the owner's cart with current catalog prices.
func (h *Handler) writeCart(w http.ResponseWriter, r *http.Request, owner string) {
	quantities := h.carts.Get(owner)
	ids := make([]string, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	view := model.CartView{Items: []model.LineView{}, Currency: h.currency}
	if len(ids) > 0 {
		items, err := h.catalog.ResolveItems(ctx, ids)
		if err != nil {
			writeError(w, r, fmt.Errorf("resolve cart: %w: %w", apperr.ErrCatalogUnavailable, err), nil)
			return
		}
		for _, it := range items {
			qty := quantities[it.ID]
			view.Items = append(view.Items, lineView(it.ID, it.Name, it.UnitPrice, qty))
			view.TotalMinor += it.UnitPrice * int64(qty)
		}
	}
	view.Total = money.FromMinor(view.TotalMinor).StringFixed(2)
	writeJSON(w, http.StatusOK, view)
}

func lineView(id, name string, unitPrice int64, qty int) model.LineView {
	return model.LineView{
		ItemID:    id,
		Name:      name,
		UnitPrice: money.FromMinor(unitPrice).StringFixed(2),
		Quantity:  qty,
		Subtotal:  money.FromMinor(unitPrice * int64(qty)).StringFixed(2),
	}
}
