package order

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusConfirmed Status = "CONFIRMED"
	StatusCanceled  Status = "CANCELED"
	StatusCompleted Status = "COMPLETED"
)

func (s Status) String() string {
	return string(s)
}

type FulfillmentStatus string

const (
	FulfillmentProposed   FulfillmentStatus = "PROPOSED"
	FulfillmentSent       FulfillmentStatus = "SENT"
	FulfillmentProcessing FulfillmentStatus = "PROCESSING"
	FulfillmentCompleted  FulfillmentStatus = "COMPLETED"
	FulfillmentCanceled   FulfillmentStatus = "CANCELED"
)

func (s FulfillmentStatus) String() string {
	return string(s)
}

// Dispatched reports whether tickets for the order already reached the kitchen.
func (s FulfillmentStatus) Dispatched() bool {
	return s == FulfillmentSent || s == FulfillmentProcessing
}

// Money is an amount in the currency's minor unit (cents).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) Add(o Money) Money {
	return Money{Amount: m.Amount + o.Amount, Currency: m.Currency}
}

func (m Money) Sub(o Money) Money {
	return Money{Amount: m.Amount - o.Amount, Currency: m.Currency}
}

func (m Money) String() string {
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, m.Currency)
}

type CustomerInfo struct {
	GivenName  string `json:"given_name" validate:"required"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email" validate:"omitempty,email"`
	Phone      string `json:"phone"`
}

func (c CustomerInfo) DisplayName() string {
	if c.FamilyName == "" {
		return c.GivenName
	}
	return c.GivenName + " " + c.FamilyName
}

type DeliveryInfo struct {
	Address      string `json:"address" validate:"required"`
	Address2     string `json:"address2,omitempty"`
	Zipcode      string `json:"zipcode" validate:"required"`
	Instructions string `json:"instructions,omitempty"`
}

type DineInInfo struct {
	PartySize int    `json:"party_size" validate:"gt=0"`
	TableID   string `json:"table_id,omitempty"`
}

type ThirdPartyInfo struct {
	Source        string `json:"source"`
	RemoteOrderID string `json:"remote_order_id"`
	ShortCode     string `json:"short_code,omitempty"`
}

const dateLayout = "2006-01-02"

type Fulfillment struct {
	SelectedService string            `json:"selected_service"`
	SelectedDate    string            `json:"selected_date"` // YYYY-MM-DD in the store's zone
	SelectedTime    int               `json:"selected_time"` // minutes after local midnight
	Status          FulfillmentStatus `json:"status"`
	Delivery        *DeliveryInfo     `json:"delivery,omitempty"`
	DineIn          *DineInInfo       `json:"dine_in,omitempty"`
	ThirdParty      *ThirdPartyInfo   `json:"third_party,omitempty"`
}

// ServiceTime resolves the selected date and time in loc.
func (f Fulfillment) ServiceTime(loc *time.Location) (time.Time, error) {
	return serviceTime(f.SelectedDate, f.SelectedTime, loc)
}

func serviceTime(date string, minutes int, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid service date %q: %w", date, err)
	}
	if minutes < 0 || minutes >= 24*60 {
		return time.Time{}, fmt.Errorf("invalid service time %d", minutes)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, minutes, 0, 0, loc), nil
}

type ModifierSelection struct {
	ModifierTypeID string   `json:"modifier_type_id" validate:"required"`
	OptionIDs      []string `json:"option_ids"`
}

type CartEntry struct {
	ProductID  string              `json:"product_id" validate:"required"`
	CategoryID string              `json:"category_id,omitempty"`
	Modifiers  []ModifierSelection `json:"modifiers,omitempty" validate:"dive"`
	Quantity   int                 `json:"quantity" validate:"gt=0"`
	Note       string              `json:"note,omitempty"`
}

type TenderKind string

const (
	TenderCash        TenderKind = "CASH"
	TenderCreditCard  TenderKind = "CREDIT_CARD"
	TenderStoreCredit TenderKind = "STORE_CREDIT"
)

type TenderStatus string

const (
	TenderProposed   TenderStatus = "PROPOSED"
	TenderAuthorized TenderStatus = "AUTHORIZED"
	TenderCompleted  TenderStatus = "COMPLETED"
	TenderCanceled   TenderStatus = "CANCELED"
)

type CardPayment struct {
	SourceID   string `json:"source_id,omitempty"`
	Brand      string `json:"brand,omitempty"`
	Last4      string `json:"last4,omitempty"`
	ReceiptURL string `json:"receipt_url,omitempty"`
}

type StoreCreditPayment struct {
	Code    string `json:"code" validate:"required"`
	Lock    string `json:"lock" validate:"required"`
	DebitID string `json:"debit_id,omitempty"`
}

type CashPayment struct {
	AmountTendered Money `json:"amount_tendered"`
	Change         Money `json:"change"`
}

// Tender is one payment instrument applied to an order. Exactly one of the
// variant payloads matches Kind.
type Tender struct {
	Kind        TenderKind          `json:"kind" validate:"oneof=CASH CREDIT_CARD STORE_CREDIT"`
	Amount      Money               `json:"amount"`
	TipAmount   Money               `json:"tip_amount"`
	Status      TenderStatus        `json:"status"`
	ProcessorID string              `json:"processor_id,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	Card        *CardPayment        `json:"card,omitempty"`
	StoreCredit *StoreCreditPayment `json:"store_credit,omitempty"`
	Cash        *CashPayment        `json:"cash,omitempty"`
}

type DiscountKind string

const (
	DiscountCreditCode       DiscountKind = "CREDIT_CODE_AMOUNT"
	DiscountManualAmount     DiscountKind = "MANUAL_AMOUNT"
	DiscountManualPercentage DiscountKind = "MANUAL_PERCENTAGE"
)

type DiscountStatus string

const (
	DiscountProposed DiscountStatus = "PROPOSED"
	DiscountApplied  DiscountStatus = "APPLIED"
	DiscountCanceled DiscountStatus = "CANCELED"
)

type Discount struct {
	Kind       DiscountKind    `json:"kind" validate:"oneof=CREDIT_CODE_AMOUNT MANUAL_AMOUNT MANUAL_PERCENTAGE"`
	Status     DiscountStatus  `json:"status"`
	Amount     Money           `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
	Applied    Money           `json:"applied"`
	Code       string          `json:"code,omitempty"`
	Lock       string          `json:"lock,omitempty"`
	DebitID    string          `json:"debit_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

type Refund struct {
	TenderIndex     int       `json:"tender_index"`
	Amount          Money     `json:"amount"`
	ProcessorID     string    `json:"processor_id,omitempty"`
	StoreCreditCode string    `json:"store_credit_code,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type TaxEntry struct {
	Name   string `json:"name"`
	Amount Money  `json:"amount"`
}

// TipSelection is either a fixed amount or a fraction of the tip basis.
type TipSelection struct {
	IsPercentage bool            `json:"is_percentage"`
	Percentage   decimal.Decimal `json:"percentage"`
	Amount       Money           `json:"amount"`
}

// Lock is the per-order mutex held while a transition is in flight.
type Lock struct {
	Token      string
	AcquiredAt time.Time
}

type Order struct {
	ID                  string          `json:"id"`
	Status              Status          `json:"status"`
	Customer            CustomerInfo    `json:"customer"`
	Fulfillment         Fulfillment     `json:"fulfillment"`
	ServiceAt           time.Time       `json:"service_at"`
	Cart                []CartEntry     `json:"cart"`
	Payments            []Tender        `json:"payments"`
	Discounts           []Discount      `json:"discounts"`
	Refunds             []Refund        `json:"refunds"`
	Metadata            []MetadataEntry `json:"metadata"`
	Taxes               []TaxEntry      `json:"taxes"`
	TipSelection        TipSelection    `json:"tip_selection"`
	Tip                 Money           `json:"tip"`
	Total               Money           `json:"total"`
	SpecialInstructions string          `json:"special_instructions,omitempty"`
	Lock                *Lock           `json:"-"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// SetServiceTime moves the fulfillment to t, keeping the selected date/time
// and the absolute ServiceAt in step.
func (o *Order) SetServiceTime(t time.Time) {
	o.Fulfillment.SelectedDate = t.Format(dateLayout)
	o.Fulfillment.SelectedTime = t.Hour()*60 + t.Minute()
	o.ServiceAt = t
}

func (o *Order) ThirdPartyID() string {
	if o.Fulfillment.ThirdParty == nil {
		return ""
	}
	return o.Fulfillment.ThirdParty.RemoteOrderID
}

// Clone returns a deep copy that shares no mutable state with o.
func (o *Order) Clone() *Order {
	c := *o

	c.Cart = make([]CartEntry, len(o.Cart))
	for i, e := range o.Cart {
		mods := make([]ModifierSelection, len(e.Modifiers))
		for j, m := range e.Modifiers {
			m.OptionIDs = slices.Clone(m.OptionIDs)
			mods[j] = m
		}
		if e.Modifiers == nil {
			mods = nil
		}
		e.Modifiers = mods
		c.Cart[i] = e
	}

	c.Payments = make([]Tender, len(o.Payments))
	for i, t := range o.Payments {
		if t.Card != nil {
			card := *t.Card
			t.Card = &card
		}
		if t.StoreCredit != nil {
			sc := *t.StoreCredit
			t.StoreCredit = &sc
		}
		if t.Cash != nil {
			cash := *t.Cash
			t.Cash = &cash
		}
		c.Payments[i] = t
	}

	c.Discounts = slices.Clone(o.Discounts)
	c.Refunds = slices.Clone(o.Refunds)
	c.Metadata = slices.Clone(o.Metadata)
	c.Taxes = slices.Clone(o.Taxes)

	if o.Fulfillment.Delivery != nil {
		d := *o.Fulfillment.Delivery
		c.Fulfillment.Delivery = &d
	}
	if o.Fulfillment.DineIn != nil {
		d := *o.Fulfillment.DineIn
		c.Fulfillment.DineIn = &d
	}
	if o.Fulfillment.ThirdParty != nil {
		tp := *o.Fulfillment.ThirdParty
		c.Fulfillment.ThirdParty = &tp
	}
	if o.Lock != nil {
		l := *o.Lock
		c.Lock = &l
	}
	return &c
}
