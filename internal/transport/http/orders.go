package httptransport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/model"
	"github.com/iliamunaev/marketplace-checkout/internal/money"
	"github.com/iliamunaev/marketplace-checkout/internal/order"
)

// HandleListOrders lists the caller's orders, newest first.
func (h *Handler) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	orders, err := h.orders.ListByOwner(ctx, ownerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]model.OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderView(o))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetOrder returns one of the caller's orders. Another owner's order
// is reported as not found.
func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	o, err := h.orders.Get(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if o.OwnerID != ownerFrom(r.Context()) {
		writeError(w, r, apperr.ErrNotFound, nil)
		return
	}
	writeJSON(w, http.StatusOK, orderView(o))
}

func orderView(o order.Order) model.OrderView {
	v := model.OrderView{
		ID:            o.ID,
		RequestID:     o.RequestID,
		Title:         o.Title,
		Source:        string(o.Source),
		Amount:        money.FromMinor(o.Amount).StringFixed(2),
		AmountMinor:   o.Amount,
		Currency:      o.Currency,
		Status:        string(o.Status),
		TransactionID: o.TransactionID,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, lineView(it.ItemID, it.Name, it.UnitPrice, it.Quantity))
	}
	return v
}
