package square

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

const (
	searchPageSize = 500
	fulfillmentUID = "pickup"
)

var _ order.PaymentGateway = (*Client)(nil)

func (c *Client) CreateRemoteOrder(ctx context.Context, req order.RemoteOrderRequest) (*order.RemoteOrder, error) {
	o := &sqOrder{
		LocationID:  c.cfg.LocationID,
		ReferenceID: req.ReferenceID,
		Fulfillments: []fulfillment{{
			UID:   fulfillmentUID,
			Type:  "PICKUP",
			State: string(order.FulfillmentProposed),
			PickupDetails: &pickupDetails{
				Recipient: &recipient{
					DisplayName:  req.Customer.DisplayName(),
					EmailAddress: req.Customer.Email,
					PhoneNumber:  req.Customer.Phone,
				},
				PickupAt: req.PickupAt.UTC().Format(time.RFC3339),
				Note:     req.Note,
			},
		}},
	}

	for _, l := range req.Lines {
		note := l.Entry.Note
		if len(l.ModifierNames) > 0 {
			note = strings.TrimSpace(strings.Join(l.ModifierNames, ", ") + " " + note)
		}
		o.LineItems = append(o.LineItems, lineItem{
			Name:           l.Name,
			Quantity:       strconv.Itoa(l.Entry.Quantity),
			BasePriceMoney: toMoney(l.UnitPrice),
			Note:           note,
		})
	}
	for i, d := range req.Discounts {
		o.Discounts = append(o.Discounts, discount{
			UID:         fmt.Sprintf("discount-%d", i),
			Name:        d.Name,
			AmountMoney: toMoney(d.Amount),
			Scope:       "ORDER",
		})
	}
	if req.TaxRate.IsPositive() {
		o.Taxes = []tax{{
			UID:        "sales-tax",
			Name:       "Sales tax",
			Percentage: req.TaxRate.Shift(2).String(),
			Scope:      "ORDER",
		}}
	}

	var resp orderEnvelope
	if err := c.do(ctx, "POST", "/v2/orders", orderEnvelope{IdempotencyKey: req.IdempotencyKey, Order: o}, &resp); err != nil {
		return nil, fmt.Errorf("square: create order %s: %w", req.ReferenceID, err)
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("square: create order %s: empty response", req.ReferenceID)
	}
	ro := resp.Order.domain()
	log.Info().Ctx(ctx).Str("order_id", req.ReferenceID).Str("remote_order_id", ro.ID).Msg("square: remote order created")
	return &ro, nil
}

func (c *Client) retrieve(ctx context.Context, id string) (*sqOrder, error) {
	var resp orderEnvelope
	if err := c.do(ctx, "GET", "/v2/orders/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("square: retrieve order %s: %w", id, err)
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("square: retrieve order %s: empty response", id)
	}
	return resp.Order, nil
}

func (c *Client) RetrieveRemoteOrder(ctx context.Context, id string) (*order.RemoteOrder, error) {
	o, err := c.retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	ro := o.domain()
	return &ro, nil
}

// UpdateRemoteOrder patches state, fulfillment state and pickup time. The
// current order is read first when the version or the fulfillment uid is
// needed.
func (c *Client) UpdateRemoteOrder(ctx context.Context, req order.RemoteOrderUpdate) (*order.RemoteOrder, error) {
	touchesFulfillment := req.FulfillmentState != "" || req.PickupAt != nil

	version := req.Version
	var current *sqOrder
	if version == 0 || touchesFulfillment {
		var err error
		current, err = c.retrieve(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			version = current.Version
		}
	}

	patch := &sqOrder{LocationID: c.cfg.LocationID, Version: version, State: string(req.State)}
	if touchesFulfillment {
		f := fulfillment{State: req.FulfillmentState}
		if existing := current.pickup(); existing != nil {
			f.UID = existing.UID
		} else {
			f.UID = fulfillmentUID
		}
		if req.PickupAt != nil {
			f.PickupDetails = &pickupDetails{PickupAt: req.PickupAt.UTC().Format(time.RFC3339)}
		}
		patch.Fulfillments = []fulfillment{f}
	}

	var resp orderEnvelope
	path := "/v2/orders/" + url.PathEscape(req.OrderID)
	if err := c.do(ctx, "PUT", path, orderEnvelope{IdempotencyKey: req.IdempotencyKey, Order: patch}, &resp); err != nil {
		return nil, fmt.Errorf("square: update order %s: %w", req.OrderID, err)
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("square: update order %s: empty response", req.OrderID)
	}
	ro := resp.Order.domain()
	return &ro, nil
}

// SearchRemoteOrders pages through the location's orders. Square cannot
// filter on pickup time, so the pickup window is applied here.
func (c *Client) SearchRemoteOrders(ctx context.Context, q order.RemoteOrderQuery) ([]order.RemoteOrder, error) {
	filter := searchFilter{}
	if len(q.States) > 0 {
		states := make([]string, len(q.States))
		for i, s := range q.States {
			states[i] = string(s)
		}
		filter.StateFilter = &stateFilter{States: states}
	}
	if len(q.Sources) > 0 {
		filter.SourceFilter = &sourceFilter{SourceNames: q.Sources}
	}
	var sort *searchSort
	if !q.UpdatedAfter.IsZero() {
		filter.DateTimeFilter = &dateTimeFilter{UpdatedAt: &timeRange{StartAt: q.UpdatedAfter.UTC().Format(time.RFC3339)}}
		sort = &searchSort{SortField: "UPDATED_AT", SortOrder: "ASC"}
	}

	req := searchRequest{
		LocationIDs: []string{c.cfg.LocationID},
		Query:       &searchQuery{Filter: filter, Sort: sort},
		Limit:       searchPageSize,
	}

	var out []order.RemoteOrder
	for {
		var resp searchResponse
		if err := c.do(ctx, "POST", "/v2/orders/search", req, &resp); err != nil {
			return nil, fmt.Errorf("square: search orders: %w", err)
		}
		for i := range resp.Orders {
			ro := resp.Orders[i].domain()
			if !q.PickupAfter.IsZero() && ro.PickupAt.Before(q.PickupAfter) {
				continue
			}
			if !q.PickupBefore.IsZero() && !ro.PickupAt.Before(q.PickupBefore) {
				continue
			}
			out = append(out, ro)
		}
		if resp.Cursor == "" {
			break
		}
		req.Cursor = resp.Cursor
	}
	return out, nil
}

func paymentStatus(s string) order.TenderStatus {
	switch s {
	case "APPROVED", "PENDING":
		return order.TenderAuthorized
	case "COMPLETED":
		return order.TenderCompleted
	default:
		return order.TenderCanceled
	}
}

// ProcessTender records one tender against the remote order. Store credit
// and cash are recorded as non-card payments; the ledger owns the store
// credit balance.
func (c *Client) ProcessTender(ctx context.Context, req order.TenderRequest) (*order.TenderResult, error) {
	t := req.Tender
	p := paymentRequest{
		IdempotencyKey: req.IdempotencyKey,
		AmountMoney:    toMoney(t.Amount.Sub(t.TipAmount)),
		OrderID:        req.RemoteOrderID,
		LocationID:     c.cfg.LocationID,
		ReferenceID:    req.OrderID,
		Autocomplete:   true,
	}
	if t.TipAmount.Amount > 0 {
		p.TipMoney = toMoney(t.TipAmount)
	}

	switch t.Kind {
	case order.TenderCreditCard:
		if t.Card == nil || t.Card.SourceID == "" {
			return nil, fmt.Errorf("square: card tender for order %s has no source", req.OrderID)
		}
		p.SourceID = t.Card.SourceID
	case order.TenderCash:
		p.SourceID = "CASH"
		p.CashDetails = &cashDetails{BuyerSuppliedMoney: toMoney(t.Amount)}
		if t.Cash != nil && t.Cash.AmountTendered.Amount > 0 {
			p.CashDetails.BuyerSuppliedMoney = toMoney(t.Cash.AmountTendered)
			p.CashDetails.ChangeBackMoney = toMoney(t.Cash.AmountTendered.Sub(t.Amount))
		}
	case order.TenderStoreCredit:
		p.SourceID = "EXTERNAL"
		p.ExternalDetails = &externalDetails{Type: "STORED_BALANCE", Source: "Store credit"}
		if t.StoreCredit != nil {
			p.ExternalDetails.Source += " " + t.StoreCredit.Code
		}
	default:
		return nil, fmt.Errorf("square: unsupported tender kind %s", t.Kind)
	}

	var resp paymentResponse
	if err := c.do(ctx, "POST", "/v2/payments", p, &resp); err != nil {
		return nil, fmt.Errorf("square: process %s tender for order %s: %w", t.Kind, req.OrderID, err)
	}
	if resp.Payment.ID == "" {
		return nil, fmt.Errorf("square: process %s tender for order %s: empty response", t.Kind, req.OrderID)
	}

	res := &order.TenderResult{
		ProcessorID: resp.Payment.ID,
		Status:      paymentStatus(resp.Payment.Status),
	}
	if cd := resp.Payment.CardDetails; cd != nil {
		res.Card = &order.CardPayment{Brand: cd.Card.CardBrand, Last4: cd.Card.Last4, ReceiptURL: resp.Payment.ReceiptURL}
	}
	return res, nil
}

func (c *Client) RefundTender(ctx context.Context, req order.RefundRequest) (*order.RefundResult, error) {
	var resp refundResponse
	err := c.do(ctx, "POST", "/v2/refunds", refundRequest{
		IdempotencyKey: req.IdempotencyKey,
		PaymentID:      req.ProcessorID,
		AmountMoney:    toMoney(req.Amount),
		Reason:         req.Reason,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("square: refund payment %s: %w", req.ProcessorID, err)
	}
	if resp.Refund.ID == "" {
		return nil, fmt.Errorf("square: refund payment %s: empty response", req.ProcessorID)
	}
	return &order.RefundResult{ProcessorID: resp.Refund.ID, Status: resp.Refund.Status}, nil
}

func (c *Client) CancelTender(ctx context.Context, processorID string) error {
	path := "/v2/payments/" + url.PathEscape(processorID) + "/cancel"
	if err := c.do(ctx, "POST", path, struct{}{}, nil); err != nil {
		return fmt.Errorf("square: cancel payment %s: %w", processorID, err)
	}
	return nil
}
