package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type CreateOrderRequest struct {
	Customer            CustomerInfo  `validate:"required"`
	FulfillmentID       string        `validate:"required"`
	SelectedDate        string        `validate:"required,datetime=2006-01-02"`
	SelectedTime        int           `validate:"gte=0,lt=1440"`
	Delivery            *DeliveryInfo `validate:"omitempty"`
	DineIn              *DineInInfo   `validate:"omitempty"`
	Cart                []CartEntry   `validate:"required,min=1,dive"`
	Discounts           []Discount    `validate:"dive"`
	Payments            []Tender      `validate:"dive"`
	Tip                 TipSelection
	SpecialInstructions string `validate:"max=500"`
	ClientIP            string
}

func checkVariants(req CreateOrderRequest) error {
	for i, t := range req.Payments {
		if t.Amount.Amount <= 0 {
			return fmt.Errorf("tender %d: amount must be positive", i)
		}
		if t.TipAmount.Amount < 0 || t.TipAmount.Amount > t.Amount.Amount {
			return fmt.Errorf("tender %d: tip portion out of range", i)
		}
		switch t.Kind {
		case TenderCreditCard:
			if t.Card == nil || t.Card.SourceID == "" {
				return fmt.Errorf("tender %d: card payment requires a source id", i)
			}
		case TenderStoreCredit:
			if t.StoreCredit == nil || t.StoreCredit.Code == "" || t.StoreCredit.Lock == "" {
				return fmt.Errorf("tender %d: store credit requires code and lock", i)
			}
		case TenderCash:
			if t.Cash == nil {
				return fmt.Errorf("tender %d: cash payment requires tendered amount", i)
			}
		}
	}
	for i, d := range req.Discounts {
		if d.Kind == DiscountCreditCode && (d.Code == "" || d.Lock == "") {
			return fmt.Errorf("discount %d: credit code requires code and lock", i)
		}
	}
	return nil
}

// createState is the order under construction shared by the saga steps.
type createState struct {
	order    *Order
	lines    []PricedLine
	remoteID string
}

// CreateOrder prices, charges and persists a new order. Nothing external is
// touched until the totals check passed; after that every failure unwinds
// the side effects already made.
func (s *service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "order.CreateOrder")
	defer span.End()

	o, err := s.createOrder(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID))
	return o, nil
}

func (s *service) createOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	logger := log.With().Str("client_ip", req.ClientIP).Str("fulfillment", req.FulfillmentID).Logger()

	// 1. Запрос и конфигурация fulfillment.
	if err := s.validate.Struct(req); err != nil {
		logger.Warn().Err(err).Msg("service: invalid create order request")
		return nil, invalidRequest(err, "invalid order request")
	}
	if err := checkVariants(req); err != nil {
		return nil, invalidRequest(err, "invalid order request")
	}
	cfg, err := s.catalog.Fulfillment(ctx, req.FulfillmentID)
	if err != nil {
		if errors.Is(err, ErrFulfillmentNotFound) {
			return nil, invalidRequest(err, "unknown fulfillment %s", req.FulfillmentID)
		}
		return nil, internal(err, "failed to load fulfillment %s", req.FulfillmentID)
	}
	serviceAt, err := serviceTime(req.SelectedDate, req.SelectedTime, s.cfg.Location)
	if err != nil {
		return nil, invalidRequest(err, "invalid service time")
	}

	// 2. Корзина по ценам на время выдачи.
	cart, err := s.catalog.RebuildCart(ctx, req.Cart, serviceAt, cfg.ID)
	if err != nil {
		return nil, internal(err, "failed to rebuild cart")
	}
	if len(cart.Unavailable) > 0 {
		logger.Info().Int("unavailable", len(cart.Unavailable)).Msg("service: cart contains unavailable items")
		return nil, gone("%d cart items are no longer available", len(cart.Unavailable))
	}

	// 3. Суммы.
	totals, err := Recompute(TotalsInput{
		Lines:     cart.Lines,
		Discounts: req.Discounts,
		Payments:  req.Payments,
		Tip:       req.Tip,
		Rules:     s.cfg.Rules,
	})
	if err != nil {
		return nil, invalidRequest(err, "invalid order amounts")
	}
	if totals.Underpaid() {
		logger.Info().Int64("balance", totals.Balance.Amount).Msg("service: tenders do not cover the total")
		return nil, insufficientFunds(nil, "tenders leave a balance of %s", totals.Balance)
	}
	if totals.TipBelowMinimum() {
		return nil, insufficientFunds(nil, "tip %s is below the required minimum %s", totals.Tip, totals.TipMinimum)
	}

	// 4. Доступность слота.
	lead, err := s.catalog.LeadTime(ctx, req.Cart, cfg.ID)
	if err != nil {
		return nil, internal(err, "failed to compute lead time")
	}
	if !cfg.Available(serviceAt, s.now().Add(lead)) {
		return nil, gone("selected time %s is not available", serviceAt.Format("2006-01-02 15:04"))
	}

	o, err := s.newOrder(req, serviceAt, totals)
	if err != nil {
		return nil, internal(err, "failed to build order")
	}
	st := &createState{order: o, lines: cart.Lines}

	// 5-8. Внешние эффекты через сагу.
	saga := NewSaga(o.ID, s.createSteps(st, cfg), s.sagaLog)
	if err := saga.Run(ctx); err != nil {
		var sagaErr *SagaError
		if errors.As(err, &sagaErr) && len(sagaErr.Compensation) > 0 {
			logger.Error().Err(err).Str("order_id", o.ID).Msg("service: order creation unwind incomplete")
			s.alert(ctx, fmt.Sprintf("Order %s creation unwind incomplete", o.ID), sagaErr.compensationSummary())
		}
		return nil, asError(err)
	}

	logger.Info().Str("order_id", o.ID).Int64("total", o.Total.Amount).Msg("service: order created successfully")
	return o, nil
}

func (s *service) newOrder(req CreateOrderRequest, serviceAt time.Time, totals Totals) (*Order, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := s.now()

	o := &Order{
		ID:       id.String(),
		Status:   StatusOpen,
		Customer: req.Customer,
		Fulfillment: Fulfillment{
			SelectedService: req.FulfillmentID,
			Status:          FulfillmentProposed,
			Delivery:        req.Delivery,
			DineIn:          req.DineIn,
		},
		Cart:                req.Cart,
		TipSelection:        req.Tip,
		Tip:                 totals.Tip,
		Total:               totals.Total,
		Taxes:               []TaxEntry{{Name: "Sales tax", Amount: totals.Tax}},
		SpecialInstructions: req.SpecialInstructions,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	o.SetServiceTime(serviceAt)

	o.Discounts = make([]Discount, len(req.Discounts))
	for i, d := range req.Discounts {
		d.Applied = totals.DiscountApplied[i]
		d.Status = DiscountProposed
		if d.Kind != DiscountCreditCode {
			d.Status = DiscountApplied
		}
		o.Discounts[i] = d
	}

	o.Payments = make([]Tender, len(req.Payments))
	for i, t := range req.Payments {
		t.Status = TenderProposed
		t.CreatedAt = now
		if t.Amount.Currency == "" {
			t.Amount.Currency = s.cfg.Rules.Currency
		}
		o.Payments[i] = t
	}
	o = o.Clone()
	return o, nil
}

// createSteps lists the saga in execution order: ledger discounts, remote
// order, one capture per tender, calendar event, persistence.
func (s *service) createSteps(st *createState, cfg *FulfillmentConfig) []Step {
	var steps []Step
	for i := range st.order.Discounts {
		if st.order.Discounts[i].Kind == DiscountCreditCode && st.order.Discounts[i].Applied.Amount > 0 {
			steps = append(steps, s.discountStep(st, i))
		}
	}
	steps = append(steps, s.remoteOrderStep(st))
	for i := range st.order.Payments {
		steps = append(steps, s.captureStep(st, i))
	}
	steps = append(steps, s.calendarStep(st, cfg), s.persistStep(st))
	return steps
}

func ledgerError(err error, format string, args ...any) *Error {
	if errors.Is(err, ErrLedgerRejected) {
		return insufficientFunds(err, format, args...)
	}
	return internal(err, format, args...)
}

func (s *service) discountStep(st *createState, i int) Step {
	d := &st.order.Discounts[i]
	return NewStep(fmt.Sprintf("ledger_discount_%d", i),
		func(ctx context.Context) error {
			debit, err := s.ledger.ValidateLockAndSpend(ctx, SpendRequest{
				Code:    d.Code,
				Lock:    d.Lock,
				Amount:  d.Applied,
				OrderID: st.order.ID,
			})
			if err != nil {
				return ledgerError(err, "store credit code %s could not be applied", d.Code)
			}
			d.DebitID = debit.DebitID
			d.Status = DiscountApplied
			return nil
		},
		func(ctx context.Context) error {
			return s.ledger.RefundDebit(ctx, LedgerDebit{Code: d.Code, DebitID: d.DebitID, Amount: d.Applied})
		},
	)
}

func (s *service) remoteOrderStep(st *createState) Step {
	o := st.order
	return NewStep("remote_order",
		func(ctx context.Context) error {
			key, err := newUUID()
			if err != nil {
				return internal(err, "failed to create remote order")
			}

			var discounts []AppliedDiscount
			for _, d := range o.Discounts {
				if d.Applied.Amount > 0 {
					discounts = append(discounts, AppliedDiscount{Name: discountName(d), Amount: d.Applied})
				}
			}

			ro, err := s.gateway.CreateRemoteOrder(ctx, RemoteOrderRequest{
				IdempotencyKey: key,
				ReferenceID:    o.ID,
				Customer:       o.Customer,
				PickupAt:       o.ServiceAt,
				Lines:          st.lines,
				Discounts:      discounts,
				TaxRate:        s.cfg.Rules.TaxRate,
				Note:           o.SpecialInstructions,
			})
			if err != nil {
				return internal(err, "failed to create remote order")
			}
			st.remoteID = ro.ID
			o.SetMeta(MetaRemoteOrderID, ro.ID)
			return nil
		},
		func(ctx context.Context) error {
			key, err := newUUID()
			if err != nil {
				return err
			}
			_, err = s.gateway.UpdateRemoteOrder(ctx, RemoteOrderUpdate{
				IdempotencyKey: key,
				OrderID:        st.remoteID,
				State:          RemoteOrderCanceled,
			})
			return err
		},
	)
}

func discountName(d Discount) string {
	switch d.Kind {
	case DiscountCreditCode:
		return "Store credit " + d.Code
	case DiscountManualPercentage:
		return "Discount " + d.Percentage.Shift(2).String() + "%"
	default:
		if d.Reason != "" {
			return d.Reason
		}
		return "Discount"
	}
}

// captureStep charges one tender against the remote order. Store credit is
// spent on the ledger first and then recorded as an external payment.
func (s *service) captureStep(st *createState, i int) Step {
	o := st.order
	t := &o.Payments[i]

	return NewStep(fmt.Sprintf("capture_%d_%s", i, t.Kind),
		func(ctx context.Context) error {
			if t.Kind == TenderStoreCredit {
				debit, err := s.ledger.ValidateLockAndSpend(ctx, SpendRequest{
					Code:    t.StoreCredit.Code,
					Lock:    t.StoreCredit.Lock,
					Amount:  t.Amount,
					OrderID: o.ID,
				})
				if err != nil {
					return ledgerError(err, "store credit code %s could not be charged", t.StoreCredit.Code)
				}
				t.StoreCredit.DebitID = debit.DebitID
			}

			key, err := newUUID()
			if err != nil {
				s.undoLedgerSpend(ctx, o, t)
				return internal(err, "failed to capture tender %d", i)
			}
			res, err := s.gateway.ProcessTender(ctx, TenderRequest{
				IdempotencyKey: key,
				OrderID:        o.ID,
				RemoteOrderID:  st.remoteID,
				Tender:         *t,
			})
			if err != nil {
				s.undoLedgerSpend(ctx, o, t)
				var gwErr *GatewayError
				if errors.As(err, &gwErr) && gwErr.Declined() {
					return insufficientFunds(err, "tender %d was declined", i)
				}
				return internal(err, "failed to capture tender %d", i)
			}

			t.ProcessorID = res.ProcessorID
			t.Status = res.Status
			if res.Card != nil && t.Card != nil {
				t.Card.Brand = res.Card.Brand
				t.Card.Last4 = res.Card.Last4
				t.Card.ReceiptURL = res.Card.ReceiptURL
			}
			return nil
		},
		func(ctx context.Context) error {
			var errs []error
			switch t.Status {
			case TenderCompleted:
				if _, err := s.refundAtGateway(ctx, *t, "order creation failed"); err != nil {
					errs = append(errs, err)
				}
			case TenderAuthorized:
				if err := s.gateway.CancelTender(ctx, t.ProcessorID); err != nil {
					errs = append(errs, err)
				}
			}
			if t.Kind == TenderStoreCredit && t.StoreCredit.DebitID != "" {
				if err := s.ledger.RefundDebit(ctx, LedgerDebit{Code: t.StoreCredit.Code, DebitID: t.StoreCredit.DebitID, Amount: t.Amount}); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	)
}

// undoLedgerSpend reverts the ledger half of a store credit capture whose
// external payment failed. The saga never compensates a failed step.
func (s *service) undoLedgerSpend(ctx context.Context, o *Order, t *Tender) {
	if t.Kind != TenderStoreCredit || t.StoreCredit.DebitID == "" {
		return
	}
	if err := s.ledger.RefundDebit(ctx, LedgerDebit{Code: t.StoreCredit.Code, DebitID: t.StoreCredit.DebitID, Amount: t.Amount}); err != nil {
		log.Error().Ctx(ctx).Err(err).Str("order_id", o.ID).Str("code", t.StoreCredit.Code).Msg("service: failed to refund store credit after failed capture")
		s.alert(ctx, fmt.Sprintf("Order %s store credit refund failed", o.ID), err.Error())
		return
	}
	t.StoreCredit.DebitID = ""
}

func (s *service) calendarStep(st *createState, cfg *FulfillmentConfig) Step {
	o := st.order
	return NewStep("calendar_event",
		func(ctx context.Context) error {
			eventID, err := s.calendar.CreateEvent(ctx, s.calendarEvent(o, cfg))
			if err != nil {
				return internal(err, "failed to create calendar event")
			}
			o.SetMeta(MetaCalendarEventID, eventID)
			return nil
		},
		func(ctx context.Context) error {
			eventID, ok := o.Meta(MetaCalendarEventID)
			if !ok || eventID == "" {
				return nil
			}
			return s.calendar.DeleteEvent(ctx, eventID)
		},
	)
}

func (s *service) persistStep(st *createState) Step {
	return NewStep("persist",
		func(ctx context.Context) error {
			if err := s.store.Create(ctx, st.order); err != nil {
				return internal(err, "failed to save order")
			}
			return nil
		},
		nil,
	)
}
