package order_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

// memStore is an in-memory order.Store with the same lock semantics as the
// Postgres one.
type memStore struct {
	mu     sync.Mutex
	orders map[string]*order.Order
}

func newMemStore(orders ...*order.Order) *memStore {
	s := &memStore{orders: make(map[string]*order.Order)}
	for _, o := range orders {
		s.orders[o.ID] = o.Clone()
	}
	return s
}

func (s *memStore) get(id string) *order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	return o.Clone()
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return order.ErrDuplicateOrder
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *memStore) CreateMany(_ context.Context, orders []*order.Order) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, o := range orders {
		dup := false
		for _, existing := range s.orders {
			if tp := o.ThirdPartyID(); tp != "" && existing.ThirdPartyID() == tp {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.orders[o.ID] = o.Clone()
		inserted++
	}
	return inserted, nil
}

func (s *memStore) Get(_ context.Context, id string) (*order.Order, error) {
	if o := s.get(id); o != nil {
		return o, nil
	}
	return nil, order.ErrOrderNotFound
}

func free(o *order.Order, staleBefore time.Time) bool {
	return o.Lock == nil || o.Lock.AcquiredAt.Before(staleBefore)
}

func (s *memStore) Acquire(_ context.Context, id string, lock order.Lock, staleBefore time.Time, f order.Filter) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || !free(o, staleBefore) || !f.Match(o) {
		return nil, order.ErrOrderNotFound
	}
	l := lock
	o.Lock = &l
	return o.Clone(), nil
}

func (s *memStore) Release(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[o.ID]
	if !ok || o.Lock == nil || stored.Lock == nil || stored.Lock.Token != o.Lock.Token {
		return order.ErrLockLost
	}
	c := o.Clone()
	c.Lock = nil
	s.orders[o.ID] = c
	o.Lock = nil
	return nil
}

func (s *memStore) Renew(_ context.Context, id, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Lock == nil || o.Lock.Token != token {
		return order.ErrLockLost
	}
	o.Lock.AcquiredAt = at
	return nil
}

func (s *memStore) BulkAcquire(_ context.Context, lock order.Lock, staleBefore time.Time, f order.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.orders {
		if free(o, staleBefore) && f.Match(o) {
			l := lock
			o.Lock = &l
			n++
		}
	}
	return n, nil
}

func (s *memStore) sorted(match func(o *order.Order) bool) []*order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*order.Order
	for _, o := range s.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceAt.Before(out[j].ServiceAt) })
	return out
}

func (s *memStore) FindByLockToken(_ context.Context, token string) ([]*order.Order, error) {
	return s.sorted(func(o *order.Order) bool { return o.Lock != nil && o.Lock.Token == token }), nil
}

func (s *memStore) Find(_ context.Context, f order.Filter) ([]*order.Order, error) {
	return s.sorted(f.Match), nil
}

func (s *memStore) ExistingThirdPartyIDs(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, o := range s.orders {
		for _, id := range ids {
			if o.ThirdPartyID() == id {
				out[id] = true
			}
		}
	}
	return out, nil
}

func (s *memStore) ReleaseStale(_ context.Context, heldBefore time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, o := range s.orders {
		if o.Lock != nil && o.Lock.AcquiredAt.Before(heldBefore) {
			o.Lock = nil
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeGateway struct {
	mu sync.Mutex

	createRemoteFunc  func(ctx context.Context, req order.RemoteOrderRequest) (*order.RemoteOrder, error)
	processTenderFunc func(ctx context.Context, req order.TenderRequest) (*order.TenderResult, error)
	refundFunc        func(ctx context.Context, req order.RefundRequest) (*order.RefundResult, error)
	searchFunc        func(ctx context.Context, q order.RemoteOrderQuery) ([]order.RemoteOrder, error)
	updateErr         error

	remote          map[string]*order.RemoteOrder
	created         []order.RemoteOrderRequest
	tenders         []order.TenderRequest
	refunds         []order.RefundRequest
	canceledTenders []string
	updates         []order.RemoteOrderUpdate
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{remote: make(map[string]*order.RemoteOrder)}
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created) + len(g.tenders) + len(g.refunds) + len(g.canceledTenders) + len(g.updates)
}

func (g *fakeGateway) CreateRemoteOrder(ctx context.Context, req order.RemoteOrderRequest) (*order.RemoteOrder, error) {
	g.mu.Lock()
	g.created = append(g.created, req)
	g.mu.Unlock()
	if g.createRemoteFunc != nil {
		return g.createRemoteFunc(ctx, req)
	}
	ro := &order.RemoteOrder{ID: "R-" + req.ReferenceID[:8], Version: 1, State: order.RemoteOrderOpen}
	g.mu.Lock()
	g.remote[ro.ID] = ro
	g.mu.Unlock()
	c := *ro
	return &c, nil
}

func (g *fakeGateway) UpdateRemoteOrder(_ context.Context, req order.RemoteOrderUpdate) (*order.RemoteOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, req)
	if g.updateErr != nil {
		return nil, g.updateErr
	}
	ro, ok := g.remote[req.OrderID]
	if !ok {
		ro = &order.RemoteOrder{ID: req.OrderID, State: order.RemoteOrderOpen}
		g.remote[req.OrderID] = ro
	}
	if req.State != "" {
		ro.State = req.State
	}
	ro.Version++
	c := *ro
	return &c, nil
}

func (g *fakeGateway) RetrieveRemoteOrder(_ context.Context, id string) (*order.RemoteOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ro, ok := g.remote[id]
	if !ok {
		return &order.RemoteOrder{ID: id, Version: 1, State: order.RemoteOrderOpen}, nil
	}
	c := *ro
	return &c, nil
}

func (g *fakeGateway) SearchRemoteOrders(ctx context.Context, q order.RemoteOrderQuery) ([]order.RemoteOrder, error) {
	if g.searchFunc != nil {
		return g.searchFunc(ctx, q)
	}
	return nil, nil
}

func (g *fakeGateway) ProcessTender(ctx context.Context, req order.TenderRequest) (*order.TenderResult, error) {
	g.mu.Lock()
	g.tenders = append(g.tenders, req)
	n := len(g.tenders)
	g.mu.Unlock()
	if g.processTenderFunc != nil {
		return g.processTenderFunc(ctx, req)
	}
	return &order.TenderResult{
		ProcessorID: fmt.Sprintf("P-%d", n),
		Status:      order.TenderCompleted,
	}, nil
}

func (g *fakeGateway) RefundTender(ctx context.Context, req order.RefundRequest) (*order.RefundResult, error) {
	g.mu.Lock()
	g.refunds = append(g.refunds, req)
	g.mu.Unlock()
	if g.refundFunc != nil {
		return g.refundFunc(ctx, req)
	}
	return &order.RefundResult{ProcessorID: "RF-" + req.ProcessorID, Status: "COMPLETED"}, nil
}

func (g *fakeGateway) CancelTender(_ context.Context, processorID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceledTenders = append(g.canceledTenders, processorID)
	return nil
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	locks    map[string]string
	spends   []order.SpendRequest
	refunds  []order.LedgerDebit
	issued   []order.IssueCreditRequest
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]int64), locks: make(map[string]string)}
}

func (l *fakeLedger) ValidateLockAndSpend(_ context.Context, req order.SpendRequest) (*order.LedgerDebit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[req.Code] != req.Lock {
		return nil, fmt.Errorf("lock mismatch: %w", order.ErrLedgerRejected)
	}
	if l.balances[req.Code] < req.Amount.Amount {
		return nil, fmt.Errorf("insufficient balance: %w", order.ErrLedgerRejected)
	}
	l.balances[req.Code] -= req.Amount.Amount
	l.spends = append(l.spends, req)
	return &order.LedgerDebit{Code: req.Code, DebitID: fmt.Sprintf("D-%d", len(l.spends)), Amount: req.Amount}, nil
}

func (l *fakeLedger) RefundDebit(_ context.Context, d order.LedgerDebit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[d.Code] += d.Amount.Amount
	l.refunds = append(l.refunds, d)
	return nil
}

func (l *fakeLedger) IssueCredit(_ context.Context, req order.IssueCreditRequest) (*order.IssuedCredit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.issued = append(l.issued, req)
	code := fmt.Sprintf("SC-%d", len(l.issued))
	l.balances[code] = req.Amount.Amount
	return &order.IssuedCredit{Code: code, Lock: "lock-" + code, Amount: req.Amount}, nil
}

type fakeCalendar struct {
	mu         sync.Mutex
	createFunc func(ctx context.Context, ev order.CalendarEvent) (string, error)
	updateErr  error
	created    []order.CalendarEvent
	updated    []string
	deleted    []string
}

func (c *fakeCalendar) CreateEvent(ctx context.Context, ev order.CalendarEvent) (string, error) {
	if c.createFunc != nil {
		return c.createFunc(ctx, ev)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, ev)
	return fmt.Sprintf("EV-%d", len(c.created)), nil
}

func (c *fakeCalendar) UpdateEvent(_ context.Context, id string, _ order.CalendarEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return c.updateErr
	}
	c.updated = append(c.updated, id)
	return nil
}

func (c *fakeCalendar) DeleteEvent(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, id)
	return nil
}

type fakeCatalog struct {
	config      *order.FulfillmentConfig
	prices      map[string]int64
	unavailable map[string]bool
	leadTime    time.Duration
	mapFunc     func(ctx context.Context, items []order.RemoteLineItem) ([]order.CartEntry, error)
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		config:      pickupConfig(),
		prices:      map[string]int64{"burger": 1000, "fries": 400, "platter": 2000},
		unavailable: map[string]bool{},
		leadTime:    20 * time.Minute,
	}
}

func (c *fakeCatalog) Fulfillment(_ context.Context, id string) (*order.FulfillmentConfig, error) {
	if id != c.config.ID {
		return nil, order.ErrFulfillmentNotFound
	}
	cfg := *c.config
	return &cfg, nil
}

func (c *fakeCatalog) RebuildCart(_ context.Context, cart []order.CartEntry, _ time.Time, _ string) (*order.RebuiltCart, error) {
	out := &order.RebuiltCart{}
	for _, e := range cart {
		if c.unavailable[e.ProductID] {
			out.Unavailable = append(out.Unavailable, e)
			continue
		}
		station := "grill"
		if e.ProductID == "fries" {
			station = "fryer"
		}
		out.Lines = append(out.Lines, order.PricedLine{
			Entry:     e,
			Name:      e.ProductID,
			UnitPrice: usd(c.prices[e.ProductID]),
			Station:   station,
		})
	}
	return out, nil
}

func (c *fakeCatalog) LeadTime(context.Context, []order.CartEntry, string) (time.Duration, error) {
	return c.leadTime, nil
}

func (c *fakeCatalog) MapRemoteLineItems(ctx context.Context, items []order.RemoteLineItem) ([]order.CartEntry, error) {
	if c.mapFunc != nil {
		return c.mapFunc(ctx, items)
	}
	out := make([]order.CartEntry, 0, len(items))
	for _, it := range items {
		out = append(out, order.CartEntry{ProductID: it.CatalogObjectID, Quantity: it.Quantity})
	}
	return out, nil
}

type fakePrinter struct {
	mu       sync.Mutex
	printed  []order.Ticket
	canceled []string
	// onPrint runs before the ticket is recorded, outside the mutex.
	onPrint func(t order.Ticket)
}

func (p *fakePrinter) Print(_ context.Context, t order.Ticket) (string, error) {
	if p.onPrint != nil {
		p.onPrint(t)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = append(p.printed, t)
	return fmt.Sprintf("T-%d", len(p.printed)), nil
}

func (p *fakePrinter) Cancel(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, id)
	return nil
}

func (p *fakePrinter) kinds() []order.TicketKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []order.TicketKind
	for _, t := range p.printed {
		out = append(out, t.Kind)
	}
	return out
}

type fakeNotifier struct {
	mu          sync.Mutex
	confirmed   []string
	canceled    []string
	rescheduled []string
	alerts      []string
}

func (n *fakeNotifier) OrderConfirmed(_ context.Context, o *order.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, o.ID)
	return nil
}

func (n *fakeNotifier) OrderCanceled(_ context.Context, o *order.Order, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canceled = append(n.canceled, o.ID)
	return nil
}

func (n *fakeNotifier) OrderRescheduled(_ context.Context, o *order.Order, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rescheduled = append(n.rescheduled, o.ID)
	return nil
}

func (n *fakeNotifier) Alert(_ context.Context, subject, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, subject)
	return nil
}

// Monday 2026-10-19, 10:00 UTC.
var baseNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type harness struct {
	now      time.Time
	store    *memStore
	gateway  *fakeGateway
	ledger   *fakeLedger
	calendar *fakeCalendar
	catalog  *fakeCatalog
	printer  *fakePrinter
	notifier *fakeNotifier
	sagaLog  *recordingSagaLog
	svc      order.Service
}

func newHarness(seed ...*order.Order) *harness {
	h := &harness{
		now:      baseNow,
		store:    newMemStore(seed...),
		gateway:  newFakeGateway(),
		ledger:   newFakeLedger(),
		calendar: &fakeCalendar{},
		catalog:  newFakeCatalog(),
		printer:  &fakePrinter{},
		notifier: &fakeNotifier{},
		sagaLog:  &recordingSagaLog{},
	}
	h.svc = order.NewService(order.Config{
		Rules:              rules(),
		Location:           time.UTC,
		LockMaxHold:        5 * time.Minute,
		DispatchAhead:      3 * time.Hour,
		StaleOrderMinAge:   24 * time.Hour,
		StaleOrderMaxAge:   48 * time.Hour,
		ThirdPartyService:  "pickup",
		ThirdPartyLookback: 10 * time.Minute,
	}, order.Deps{
		Store:    h.store,
		Gateway:  h.gateway,
		Ledger:   h.ledger,
		Calendar: h.calendar,
		Catalog:  h.catalog,
		Printer:  h.printer,
		Notifier: h.notifier,
		SagaLog:  h.sagaLog,
		Clock:    func() time.Time { return h.now },
	})
	return h
}

func (h *harness) withThirdParty(source string) *harness {
	h.svc = order.NewService(order.Config{
		Rules:              rules(),
		Location:           time.UTC,
		LockMaxHold:        5 * time.Minute,
		DispatchAhead:      3 * time.Hour,
		ThirdPartySource:   source,
		ThirdPartyService:  "pickup",
		ThirdPartyLookback: 10 * time.Minute,
	}, order.Deps{
		Store:    h.store,
		Gateway:  h.gateway,
		Ledger:   h.ledger,
		Calendar: h.calendar,
		Catalog:  h.catalog,
		Printer:  h.printer,
		Notifier: h.notifier,
		Clock:    func() time.Time { return h.now },
	})
	return h
}

// seededOrder is a priced $10 burger order for 12:00 on baseNow's day.
func seededOrder(id string, status order.Status, fs order.FulfillmentStatus) *order.Order {
	o := &order.Order{
		ID:       id,
		Status:   status,
		Customer: order.CustomerInfo{GivenName: "Ada", FamilyName: "Lovelace", Email: "ada@example.com"},
		Fulfillment: order.Fulfillment{
			SelectedService: "pickup",
			Status:          fs,
		},
		Cart:      []order.CartEntry{{ProductID: "burger", Quantity: 1}},
		Total:     usd(1100),
		CreatedAt: baseNow.Add(-time.Hour),
		UpdatedAt: baseNow.Add(-time.Hour),
	}
	o.SetServiceTime(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	return o
}
