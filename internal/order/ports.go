package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type RemoteOrderState string

const (
	RemoteOrderOpen      RemoteOrderState = "OPEN"
	RemoteOrderCompleted RemoteOrderState = "COMPLETED"
	RemoteOrderCanceled  RemoteOrderState = "CANCELED"
)

type RemoteModifier struct {
	CatalogObjectID string `json:"catalog_object_id"`
	Name            string `json:"name"`
}

type RemoteLineItem struct {
	UID             string           `json:"uid"`
	CatalogObjectID string           `json:"catalog_object_id"`
	Name            string           `json:"name"`
	Quantity        int              `json:"quantity"`
	BasePrice       Money            `json:"base_price"`
	Modifiers       []RemoteModifier `json:"modifiers,omitempty"`
	Note            string           `json:"note,omitempty"`
}

// RemoteOrder is the processor-side mirror of a local order.
type RemoteOrder struct {
	ID           string
	Version      int64
	State        RemoteOrderState
	Source       string
	ReferenceID  string
	CustomerName string
	LineItems    []RemoteLineItem
	PickupAt     time.Time
	TenderIDs    []string
	Total        Money
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type AppliedDiscount struct {
	Name   string
	Amount Money
}

type RemoteOrderRequest struct {
	IdempotencyKey string
	ReferenceID    string
	Customer       CustomerInfo
	PickupAt       time.Time
	Lines          []PricedLine
	Discounts      []AppliedDiscount
	TaxRate        decimal.Decimal
	Note           string
}

// RemoteOrderUpdate changes the remote order. Zero-valued fields are left
// untouched; Version zero means "use the current version".
type RemoteOrderUpdate struct {
	IdempotencyKey   string
	OrderID          string
	Version          int64
	State            RemoteOrderState
	FulfillmentState string
	PickupAt         *time.Time
}

type RemoteOrderQuery struct {
	States       []RemoteOrderState
	Sources      []string
	UpdatedAfter time.Time
	PickupAfter  time.Time
	PickupBefore time.Time
}

type TenderRequest struct {
	IdempotencyKey string
	OrderID        string
	RemoteOrderID  string
	Tender         Tender
}

type TenderResult struct {
	ProcessorID string
	Status      TenderStatus
	Card        *CardPayment
}

type RefundRequest struct {
	IdempotencyKey string
	ProcessorID    string
	Amount         Money
	Reason         string
}

type RefundResult struct {
	ProcessorID string
	Status      string
}

// PaymentGateway is the remote order and payment processor. Business
// failures are reported as *GatewayError.
type PaymentGateway interface {
	CreateRemoteOrder(ctx context.Context, req RemoteOrderRequest) (*RemoteOrder, error)
	UpdateRemoteOrder(ctx context.Context, req RemoteOrderUpdate) (*RemoteOrder, error)
	RetrieveRemoteOrder(ctx context.Context, id string) (*RemoteOrder, error)
	SearchRemoteOrders(ctx context.Context, q RemoteOrderQuery) ([]RemoteOrder, error)
	ProcessTender(ctx context.Context, req TenderRequest) (*TenderResult, error)
	RefundTender(ctx context.Context, req RefundRequest) (*RefundResult, error)
	CancelTender(ctx context.Context, processorID string) error
}

type SpendRequest struct {
	Code    string
	Lock    string
	Amount  Money
	OrderID string
}

type LedgerDebit struct {
	Code    string
	DebitID string
	Amount  Money
}

type IssueCreditRequest struct {
	Amount         Money
	RecipientName  string
	RecipientEmail string
	Reason         string
	OrderID        string
	ExpiresAt      *time.Time
}

type IssuedCredit struct {
	Code   string
	Lock   string
	Amount Money
}

// StoreCreditLedger spends and refunds store credit codes. Rejections
// (balance, lock or expiry) wrap ErrLedgerRejected.
type StoreCreditLedger interface {
	ValidateLockAndSpend(ctx context.Context, req SpendRequest) (*LedgerDebit, error)
	RefundDebit(ctx context.Context, debit LedgerDebit) error
	IssueCredit(ctx context.Context, req IssueCreditRequest) (*IssuedCredit, error)
}

type CalendarEvent struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
}

type Calendar interface {
	CreateEvent(ctx context.Context, ev CalendarEvent) (string, error)
	UpdateEvent(ctx context.Context, id string, ev CalendarEvent) error
	DeleteEvent(ctx context.Context, id string) error
}

type ServiceType string

const (
	ServicePickup     ServiceType = "PICKUP"
	ServiceDelivery   ServiceType = "DELIVERY"
	ServiceDineIn     ServiceType = "DINE_IN"
	ServiceThirdParty ServiceType = "THIRD_PARTY"
)

// Interval is a half-open range of minutes after local midnight.
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type FulfillmentConfig struct {
	ID             string                      `json:"id"`
	DisplayName    string                      `json:"display_name"`
	Service        ServiceType                 `json:"service"`
	TimeStep       int                         `json:"time_step"`
	MinDuration    int                         `json:"min_duration"`
	OperatingHours map[time.Weekday][]Interval `json:"operating_hours"`
	AllowTipping   bool                        `json:"allow_tipping"`
}

type PricedLine struct {
	Entry         CartEntry `json:"entry"`
	Name          string    `json:"name"`
	ModifierNames []string  `json:"modifier_names,omitempty"`
	UnitPrice     Money     `json:"unit_price"`
	Station       string    `json:"station"`
}

func (l PricedLine) Total() Money {
	return Money{Amount: l.UnitPrice.Amount * int64(l.Entry.Quantity), Currency: l.UnitPrice.Currency}
}

// RebuiltCart is a cart priced at a point in time. Entries that cannot be
// sold at that time are listed in Unavailable.
type RebuiltCart struct {
	Lines       []PricedLine `json:"lines"`
	Unavailable []CartEntry  `json:"unavailable"`
}

type Catalog interface {
	Fulfillment(ctx context.Context, id string) (*FulfillmentConfig, error)
	RebuildCart(ctx context.Context, cart []CartEntry, at time.Time, fulfillmentID string) (*RebuiltCart, error)
	LeadTime(ctx context.Context, cart []CartEntry, fulfillmentID string) (time.Duration, error)
	MapRemoteLineItems(ctx context.Context, items []RemoteLineItem) ([]CartEntry, error)
}

type TicketKind string

const (
	TicketOrder      TicketKind = "ORDER"
	TicketTimeChange TicketKind = "TIME_CHANGE"
	TicketCancel     TicketKind = "CANCEL"
	TicketMove       TicketKind = "MOVE"
)

type TicketLine struct {
	Quantity  int      `json:"quantity"`
	Name      string   `json:"name"`
	Modifiers []string `json:"modifiers,omitempty"`
	Note      string   `json:"note,omitempty"`
}

type Ticket struct {
	OrderID      string       `json:"order_id"`
	Kind         TicketKind   `json:"kind"`
	Station      string       `json:"station"`
	CustomerName string       `json:"customer_name"`
	ServiceAt    time.Time    `json:"service_at"`
	Lines        []TicketLine `json:"lines,omitempty"`
	Message      string       `json:"message,omitempty"`
}

type TicketPrinter interface {
	Print(ctx context.Context, t Ticket) (string, error)
	Cancel(ctx context.Context, ticketID string) error
}

type Notifier interface {
	OrderConfirmed(ctx context.Context, o *Order) error
	OrderCanceled(ctx context.Context, o *Order, reason string) error
	OrderRescheduled(ctx context.Context, o *Order, previous time.Time) error
	Alert(ctx context.Context, subject, body string) error
}
