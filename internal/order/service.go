package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/food-order-service/internal/sagalog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/vasiliy-maslov/food-order-service/internal/order"

type Service interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	ConfirmOrder(ctx context.Context, id string) (*Order, error)
	SendOrder(ctx context.Context, id string) (*Order, error)
	AdjustOrderTime(ctx context.Context, id string, req AdjustTimeRequest) (*Order, error)
	CancelOrder(ctx context.Context, id string, req CancelRequest) (*Order, error)
	SendMoveOrderTicket(ctx context.Context, id string, req MoveRequest) (*Order, error)

	DispatchSweep(ctx context.Context) (int, error)
	StaleOrderSweep(ctx context.Context) (int, error)
	IngestThirdPartyOrders(ctx context.Context) (int, error)
	ReleaseStaleLocks(ctx context.Context) (int, error)
}

type Config struct {
	Rules                PricingRules
	Location             *time.Location
	LockMaxHold          time.Duration
	DispatchAhead        time.Duration
	StaleOrderMinAge     time.Duration
	StaleOrderMaxAge     time.Duration
	ThirdPartySource     string
	ThirdPartyService    string
	ThirdPartyLookback   time.Duration
	DefaultEventDuration time.Duration
}

type Deps struct {
	Store    Store
	Gateway  PaymentGateway
	Ledger   StoreCreditLedger
	Calendar Calendar
	Catalog  Catalog
	Printer  TicketPrinter
	Notifier Notifier
	SagaLog  sagalog.Repository
	Clock    func() time.Time
}

type service struct {
	cfg      Config
	store    Store
	locks    *LockManager
	gateway  PaymentGateway
	ledger   StoreCreditLedger
	calendar Calendar
	catalog  Catalog
	printer  TicketPrinter
	notifier Notifier
	sagaLog  sagalog.Repository
	now      func() time.Time
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewService(cfg Config, deps Deps) Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LockMaxHold <= 0 {
		cfg.LockMaxHold = DefaultLockMaxHold
	}
	if cfg.DefaultEventDuration <= 0 {
		cfg.DefaultEventDuration = 15 * time.Minute
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &service{
		cfg:      cfg,
		store:    deps.Store,
		locks:    NewLockManager(deps.Store, cfg.LockMaxHold, now),
		gateway:  deps.Gateway,
		ledger:   deps.Ledger,
		calendar: deps.Calendar,
		catalog:  deps.Catalog,
		printer:  deps.Printer,
		notifier: deps.Notifier,
		sagaLog:  deps.SagaLog,
		now:      now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   otel.Tracer(tracerName),
	}
}

func newUUID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

func (s *service) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Str("order_id", id).Msg("service: order not found by id")
			return nil, notFound(id)
		}
		log.Error().Err(err).Str("order_id", id).Msg("service: failed to fetch order")
		return nil, internal(err, "failed to fetch order %s", id)
	}
	return o, nil
}

// transition is one lifecycle change: the filter the order must match to be
// locked and the body that mutates the locked order.
type transition struct {
	name   string
	filter Filter
	body   func(ctx context.Context, o *Order) error
}

// run locks the order, applies the transition and always releases. Callers
// cannot cancel a transition once it started.
func (s *service) run(ctx context.Context, id string, t transition) (*Order, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "order."+t.name, trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	o, err := s.locks.Acquire(ctx, id, t.filter)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Ctx(ctx).Str("order_id", id).Str("transition", t.name).Msg("service: order not found, locked or in the wrong state")
			span.SetStatus(codes.Error, "not found")
			return nil, notFound(id)
		}
		log.Error().Ctx(ctx).Err(err).Str("order_id", id).Str("transition", t.name).Msg("service: failed to lock order")
		span.RecordError(err)
		return nil, internal(err, "failed to lock order %s", id)
	}

	o, err = s.execute(ctx, o, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
	}
	return o, err
}

// execute runs the body of t on an order the caller already holds the lock
// of. A failed body writes the order back exactly as it was acquired.
func (s *service) execute(ctx context.Context, o *Order, t transition) (*Order, error) {
	snapshot := o.Clone()

	bodyErr := t.body(ctx, o)

	toWrite := o
	if bodyErr != nil {
		log.Error().Ctx(ctx).Err(bodyErr).Str("order_id", o.ID).Str("transition", t.name).Msg("service: transition failed, restoring order")
		toWrite = snapshot
	}
	toWrite.UpdatedAt = s.now()

	if err := s.locks.Release(ctx, toWrite); err != nil {
		log.Error().Ctx(ctx).Err(err).Str("order_id", o.ID).Str("transition", t.name).Msg("service: failed to release order")
		if bodyErr != nil {
			return nil, asError(bodyErr)
		}
		return nil, internal(err, "failed to persist order %s", o.ID)
	}

	if bodyErr != nil {
		return nil, asError(bodyErr)
	}

	log.Info().Ctx(ctx).Str("order_id", o.ID).Str("transition", t.name).Stringer("status", o.Status).Msg("service: transition applied")
	return o, nil
}

func (s *service) alert(ctx context.Context, subject, body string) {
	if err := s.notifier.Alert(ctx, subject, body); err != nil {
		log.Error().Ctx(ctx).Err(err).Str("subject", subject).Msg("service: failed to send operator alert")
	}
}

func (s *service) fulfillmentFor(ctx context.Context, o *Order) *FulfillmentConfig {
	cfg, err := s.catalog.Fulfillment(ctx, o.Fulfillment.SelectedService)
	if err != nil {
		log.Warn().Ctx(ctx).Err(err).Str("order_id", o.ID).Str("fulfillment", o.Fulfillment.SelectedService).Msg("service: fulfillment config unavailable, using defaults")
		return &FulfillmentConfig{ID: o.Fulfillment.SelectedService, DisplayName: o.Fulfillment.SelectedService}
	}
	return cfg
}

func (s *service) calendarEvent(o *Order, cfg *FulfillmentConfig) CalendarEvent {
	duration := s.cfg.DefaultEventDuration
	if cfg.MinDuration > 0 {
		duration = time.Duration(cfg.MinDuration) * time.Minute
	}

	items := 0
	for _, e := range o.Cart {
		items += e.Quantity
	}

	return CalendarEvent{
		Summary:     fmt.Sprintf("%s for %s (%d items)", cfg.DisplayName, o.Customer.DisplayName(), items),
		Description: fmt.Sprintf("Order %s\nPhone: %s\nTotal: %s\n%s", o.ID, o.Customer.Phone, o.Total, o.SpecialInstructions),
		Start:       o.ServiceAt,
		End:         o.ServiceAt.Add(duration),
	}
}

// ConfirmOrder

func (s *service) ConfirmOrder(ctx context.Context, id string) (*Order, error) {
	return s.run(ctx, id, transition{
		name:   "ConfirmOrder",
		filter: Filter{StatusIn: []Status{StatusOpen}},
		body:   s.confirm,
	})
}

func (s *service) confirm(ctx context.Context, o *Order) error {
	if err := s.notifier.OrderConfirmed(ctx, o); err != nil {
		return internal(err, "failed to send confirmation for order %s", o.ID)
	}

	ev := s.calendarEvent(o, s.fulfillmentFor(ctx, o))
	if eventID, ok := o.Meta(MetaCalendarEventID); ok && eventID != "" {
		if err := s.calendar.UpdateEvent(ctx, eventID, ev); err != nil {
			return internal(err, "failed to update calendar event for order %s", o.ID)
		}
	} else {
		eventID, err := s.calendar.CreateEvent(ctx, ev)
		if err != nil {
			return internal(err, "failed to create calendar event for order %s", o.ID)
		}
		o.SetMeta(MetaCalendarEventID, eventID)
	}

	o.Status = StatusConfirmed
	return nil
}

// SendOrder

func sendFilter() Filter {
	return Filter{
		StatusIn:            []Status{StatusConfirmed},
		FulfillmentStatusIn: []FulfillmentStatus{FulfillmentProposed},
	}
}

func (s *service) sendTransition() transition {
	return transition{name: "SendOrder", filter: sendFilter(), body: s.send}
}

func (s *service) SendOrder(ctx context.Context, id string) (*Order, error) {
	return s.run(ctx, id, s.sendTransition())
}

func (s *service) send(ctx context.Context, o *Order) error {
	cart, err := s.catalog.RebuildCart(ctx, o.Cart, o.ServiceAt, o.Fulfillment.SelectedService)
	if err != nil {
		return internal(err, "failed to rebuild cart for order %s", o.ID)
	}

	ids, err := printAll(ctx, s.printer, kitchenTickets(o, cart))
	if err != nil {
		// Уже напечатанные тикеты отменяем, заказ останется PROPOSED.
		s.cancelTickets(ctx, o.ID, ids)
		return internal(err, "failed to print tickets for order %s", o.ID)
	}

	o.AppendMeta(MetaTicketIDs, ids...)
	o.Fulfillment.Status = FulfillmentSent
	return nil
}

// AdjustOrderTime

type AdjustTimeRequest struct {
	SelectedDate   string `validate:"required,datetime=2006-01-02"`
	SelectedTime   int    `validate:"gte=0,lt=1440"`
	NotifyCustomer bool
}

func (s *service) AdjustOrderTime(ctx context.Context, id string, req AdjustTimeRequest) (*Order, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(err, "invalid time adjustment")
	}
	newAt, err := serviceTime(req.SelectedDate, req.SelectedTime, s.cfg.Location)
	if err != nil {
		return nil, invalidRequest(err, "invalid time adjustment")
	}

	return s.run(ctx, id, transition{
		name:   "AdjustOrderTime",
		filter: Filter{StatusNotIn: []Status{StatusCanceled}},
		body: func(ctx context.Context, o *Order) error {
			return s.adjustTime(ctx, o, newAt, req.NotifyCustomer)
		},
	})
}

func (s *service) adjustTime(ctx context.Context, o *Order, newAt time.Time, notify bool) error {
	previous := o.ServiceAt

	// 1. Кухня уже получила тикеты: печатаем уведомление о смене времени.
	var noticeIDs []string
	if o.Fulfillment.Status.Dispatched() {
		cart, err := s.catalog.RebuildCart(ctx, o.Cart, newAt, o.Fulfillment.SelectedService)
		if err != nil {
			return internal(err, "failed to rebuild cart for order %s", o.ID)
		}
		msg := fmt.Sprintf("TIME CHANGE: %s -> %s",
			previous.In(s.cfg.Location).Format("Mon 15:04"), newAt.Format("Mon 15:04"))
		noticeIDs, err = printAll(ctx, s.printer, noticeTickets(o, stationsOf(cart.Lines), TicketTimeChange, msg))
		if err != nil {
			s.cancelTickets(ctx, o.ID, noticeIDs)
			return internal(err, "failed to print time change tickets for order %s", o.ID)
		}
	}

	// 2. Remote order pickup time.
	if remoteID, ok := o.Meta(MetaRemoteOrderID); ok && remoteID != "" {
		key, err := newUUID()
		if err == nil {
			_, err = s.gateway.UpdateRemoteOrder(ctx, RemoteOrderUpdate{
				IdempotencyKey: key,
				OrderID:        remoteID,
				PickupAt:       &newAt,
			})
		}
		if err != nil {
			// Время не изменилось, уведомления на кухне отменяем.
			s.cancelTickets(ctx, o.ID, noticeIDs)
			return internal(err, "failed to update remote order for order %s", o.ID)
		}
	}

	// From here on the new time is committed: the kitchen and the remote
	// order already carry it.
	o.AppendMeta(MetaNoticeTicketIDs, noticeIDs...)
	o.SetServiceTime(newAt)

	// 3. Customer and calendar.
	var failures []string
	if notify {
		if err := s.notifier.OrderRescheduled(ctx, o, previous); err != nil {
			log.Error().Ctx(ctx).Err(err).Str("order_id", o.ID).Msg("service: failed to notify customer of new time")
			failures = append(failures, fmt.Sprintf("notify customer: %v", err))
		}
	}
	if eventID, ok := o.Meta(MetaCalendarEventID); ok && eventID != "" {
		if err := s.calendar.UpdateEvent(ctx, eventID, s.calendarEvent(o, s.fulfillmentFor(ctx, o))); err != nil {
			log.Error().Ctx(ctx).Err(err).Str("order_id", o.ID).Str("event_id", eventID).Msg("service: failed to update calendar event")
			failures = append(failures, fmt.Sprintf("update calendar event %s: %v", eventID, err))
		}
	}
	if len(failures) > 0 {
		s.alert(ctx, fmt.Sprintf("Order %s moved with errors", o.ID),
			fmt.Sprintf("Order %s moved to %s.\n%s", o.ID, newAt.Format(time.RFC3339), strings.Join(failures, "\n")))
	}
	return nil
}

func (s *service) cancelTickets(ctx context.Context, orderID string, ids []string) {
	for _, id := range ids {
		if err := s.printer.Cancel(ctx, id); err != nil {
			log.Error().Ctx(ctx).Err(err).Str("order_id", orderID).Str("ticket_id", id).Msg("service: failed to cancel printed ticket")
		}
	}
}

// CancelOrder

type CancelRequest struct {
	Reason string `validate:"max=500"`
	// RefundToStoreCredit reissues captured card and cash tenders as store
	// credit instead of refunding them.
	RefundToStoreCredit bool
	NotifyCustomer      bool
}

func (s *service) CancelOrder(ctx context.Context, id string, req CancelRequest) (*Order, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(err, "invalid cancellation")
	}

	return s.run(ctx, id, transition{
		name:   "CancelOrder",
		filter: Filter{StatusNotIn: []Status{StatusCanceled}},
		body: func(ctx context.Context, o *Order) error {
			return s.cancel(ctx, o, req)
		},
	})
}

// cancel unwinds everything the order touched. Adapter failures are
// collected and reported to the operator; the cancellation itself proceeds.
func (s *service) cancel(ctx context.Context, o *Order, req CancelRequest) error {
	var errs []error
	captured := false

	// 1. Скидки по кодам store credit возвращаем в ledger.
	for i := range o.Discounts {
		d := &o.Discounts[i]
		if d.Kind != DiscountCreditCode || d.Status != DiscountApplied || d.DebitID == "" {
			continue
		}
		if err := s.ledger.RefundDebit(ctx, LedgerDebit{Code: d.Code, DebitID: d.DebitID, Amount: d.Applied}); err != nil {
			errs = append(errs, fmt.Errorf("refund discount %s: %w", d.Code, err))
			continue
		}
		d.Status = DiscountCanceled
	}

	// 2. Тендеры: COMPLETED возвращаем, AUTHORIZED отменяем.
	for i := range o.Payments {
		t := &o.Payments[i]
		switch t.Status {
		case TenderCompleted:
			captured = true
			if s.alreadyRefunded(o, i) {
				continue
			}
			ref, err := s.refundTender(ctx, o, i, req)
			if err != nil {
				errs = append(errs, fmt.Errorf("refund tender %d: %w", i, err))
				continue
			}
			o.Refunds = append(o.Refunds, *ref)
		case TenderAuthorized:
			if err := s.gateway.CancelTender(ctx, t.ProcessorID); err != nil {
				errs = append(errs, fmt.Errorf("cancel tender %d: %w", i, err))
				continue
			}
			t.Status = TenderCanceled
		}
	}

	// 3. Кухня.
	if o.Fulfillment.Status.Dispatched() {
		for _, ticketID := range o.MetaList(MetaTicketIDs) {
			if err := s.printer.Cancel(ctx, ticketID); err != nil {
				errs = append(errs, fmt.Errorf("cancel ticket %s: %w", ticketID, err))
			}
		}
		cart, err := s.catalog.RebuildCart(ctx, o.Cart, o.ServiceAt, o.Fulfillment.SelectedService)
		stations := []string{defaultStation}
		if err != nil {
			errs = append(errs, fmt.Errorf("rebuild cart: %w", err))
		} else {
			stations = stationsOf(cart.Lines)
		}
		msg := "CANCELED"
		if req.Reason != "" {
			msg += ": " + req.Reason
		}
		ids, err := printAll(ctx, s.printer, noticeTickets(o, stations, TicketCancel, msg))
		o.AppendMeta(MetaCancelTicketIDs, ids...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	// 4. Remote order, only while it is still open.
	if remoteID, ok := o.Meta(MetaRemoteOrderID); ok && remoteID != "" {
		if err := s.cancelRemote(ctx, remoteID, captured); err != nil {
			errs = append(errs, fmt.Errorf("cancel remote order %s: %w", remoteID, err))
		}
	}

	if req.NotifyCustomer {
		if err := s.notifier.OrderCanceled(ctx, o, req.Reason); err != nil {
			errs = append(errs, fmt.Errorf("notify customer: %w", err))
		}
	}

	if eventID, ok := o.Meta(MetaCalendarEventID); ok && eventID != "" {
		if err := s.calendar.DeleteEvent(ctx, eventID); err != nil {
			errs = append(errs, fmt.Errorf("delete calendar event %s: %w", eventID, err))
		}
	}

	if len(errs) > 0 {
		log.Error().Ctx(ctx).Str("order_id", o.ID).Int("failures", len(errs)).Msg("service: cancellation finished with adapter failures")
		s.alert(ctx, fmt.Sprintf("Order %s canceled with %d failures", o.ID, len(errs)), joinErrors(errs))
	}

	o.Status = StatusCanceled
	o.Fulfillment.Status = FulfillmentCanceled
	return nil
}

func (s *service) alreadyRefunded(o *Order, tenderIndex int) bool {
	for _, r := range o.Refunds {
		if r.TenderIndex == tenderIndex {
			return true
		}
	}
	return false
}

func (s *service) refundTender(ctx context.Context, o *Order, i int, req CancelRequest) (*Refund, error) {
	t := o.Payments[i]
	ref := &Refund{TenderIndex: i, Amount: t.Amount, Reason: req.Reason, CreatedAt: s.now()}

	switch {
	case t.Kind == TenderStoreCredit && t.StoreCredit != nil:
		if err := s.ledger.RefundDebit(ctx, LedgerDebit{Code: t.StoreCredit.Code, DebitID: t.StoreCredit.DebitID, Amount: t.Amount}); err != nil {
			return nil, err
		}
		ref.StoreCreditCode = t.StoreCredit.Code
		// The external payment only mirrors the ledger spend.
		if t.ProcessorID != "" {
			res, err := s.refundAtGateway(ctx, t, req.Reason)
			if err != nil {
				log.Warn().Ctx(ctx).Err(err).Str("order_id", o.ID).Msg("service: failed to refund external store credit record")
			} else {
				ref.ProcessorID = res.ProcessorID
			}
		}
		return ref, nil

	case req.RefundToStoreCredit:
		issued, err := s.ledger.IssueCredit(ctx, IssueCreditRequest{
			Amount:         t.Amount,
			RecipientName:  o.Customer.DisplayName(),
			RecipientEmail: o.Customer.Email,
			Reason:         req.Reason,
			OrderID:        o.ID,
		})
		if err != nil {
			return nil, err
		}
		ref.StoreCreditCode = issued.Code
		return ref, nil

	default:
		res, err := s.refundAtGateway(ctx, t, req.Reason)
		if err != nil {
			return nil, err
		}
		ref.ProcessorID = res.ProcessorID
		return ref, nil
	}
}

func (s *service) refundAtGateway(ctx context.Context, t Tender, reason string) (*RefundResult, error) {
	key, err := newUUID()
	if err != nil {
		return nil, err
	}
	return s.gateway.RefundTender(ctx, RefundRequest{
		IdempotencyKey: key,
		ProcessorID:    t.ProcessorID,
		Amount:         t.Amount,
		Reason:         reason,
	})
}

// cancelRemote cancels an open remote order. Once money was captured the
// processor only allows canceling its fulfillment.
func (s *service) cancelRemote(ctx context.Context, remoteID string, captured bool) error {
	ro, err := s.gateway.RetrieveRemoteOrder(ctx, remoteID)
	if err != nil {
		return err
	}
	if ro.State != RemoteOrderOpen {
		return nil
	}

	key, err := newUUID()
	if err != nil {
		return err
	}
	upd := RemoteOrderUpdate{IdempotencyKey: key, OrderID: remoteID, Version: ro.Version}
	if captured || len(ro.TenderIDs) > 0 {
		upd.FulfillmentState = string(FulfillmentCanceled)
	} else {
		upd.State = RemoteOrderCanceled
	}
	_, err = s.gateway.UpdateRemoteOrder(ctx, upd)
	return err
}

// SendMoveOrderTicket

type MoveRequest struct {
	Destination string `validate:"required,max=100"`
	Message     string `validate:"max=500"`
}

func (s *service) SendMoveOrderTicket(ctx context.Context, id string, req MoveRequest) (*Order, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(err, "invalid move request")
	}

	return s.run(ctx, id, transition{
		name:   "SendMoveOrderTicket",
		filter: Filter{StatusIn: []Status{StatusConfirmed, StatusCompleted}},
		body: func(ctx context.Context, o *Order) error {
			cart, err := s.catalog.RebuildCart(ctx, o.Cart, o.ServiceAt, o.Fulfillment.SelectedService)
			if err != nil {
				return internal(err, "failed to rebuild cart for order %s", o.ID)
			}
			msg := "MOVE TO " + req.Destination
			if req.Message != "" {
				msg += ": " + req.Message
			}
			ids, err := printAll(ctx, s.printer, noticeTickets(o, stationsOf(cart.Lines), TicketMove, msg))
			o.AppendMeta(MetaNoticeTicketIDs, ids...)
			if err != nil {
				return internal(err, "failed to print move tickets for order %s", o.ID)
			}
			return nil
		},
	})
}
