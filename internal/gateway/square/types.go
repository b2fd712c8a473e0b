package square

import (
	"strconv"
	"time"

	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func toMoney(m order.Money) *money {
	return &money{Amount: m.Amount, Currency: m.Currency}
}

func (m *money) domain() order.Money {
	if m == nil {
		return order.Money{}
	}
	return order.Money{Amount: m.Amount, Currency: m.Currency}
}

type source struct {
	Name string `json:"name,omitempty"`
}

type modifier struct {
	UID             string `json:"uid,omitempty"`
	CatalogObjectID string `json:"catalog_object_id,omitempty"`
	Name            string `json:"name,omitempty"`
	BasePriceMoney  *money `json:"base_price_money,omitempty"`
}

type lineItem struct {
	UID             string     `json:"uid,omitempty"`
	Name            string     `json:"name,omitempty"`
	Quantity        string     `json:"quantity"`
	CatalogObjectID string     `json:"catalog_object_id,omitempty"`
	BasePriceMoney  *money     `json:"base_price_money,omitempty"`
	Modifiers       []modifier `json:"modifiers,omitempty"`
	Note            string     `json:"note,omitempty"`
}

type discount struct {
	UID         string `json:"uid,omitempty"`
	Name        string `json:"name,omitempty"`
	AmountMoney *money `json:"amount_money,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

type tax struct {
	UID        string `json:"uid,omitempty"`
	Name       string `json:"name,omitempty"`
	Percentage string `json:"percentage,omitempty"`
	Scope      string `json:"scope,omitempty"`
}

type recipient struct {
	DisplayName  string `json:"display_name,omitempty"`
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

type pickupDetails struct {
	Recipient *recipient `json:"recipient,omitempty"`
	PickupAt  string     `json:"pickup_at,omitempty"`
	Note      string     `json:"note,omitempty"`
}

type fulfillment struct {
	UID           string         `json:"uid,omitempty"`
	Type          string         `json:"type,omitempty"`
	State         string         `json:"state,omitempty"`
	PickupDetails *pickupDetails `json:"pickup_details,omitempty"`
}

type tender struct {
	ID string `json:"id"`
}

type sqOrder struct {
	ID           string        `json:"id,omitempty"`
	LocationID   string        `json:"location_id,omitempty"`
	ReferenceID  string        `json:"reference_id,omitempty"`
	Source       *source       `json:"source,omitempty"`
	State        string        `json:"state,omitempty"`
	Version      int64         `json:"version,omitempty"`
	LineItems    []lineItem    `json:"line_items,omitempty"`
	Discounts    []discount    `json:"discounts,omitempty"`
	Taxes        []tax         `json:"taxes,omitempty"`
	Fulfillments []fulfillment `json:"fulfillments,omitempty"`
	Tenders      []tender      `json:"tenders,omitempty"`
	TotalMoney   *money        `json:"total_money,omitempty"`
	CreatedAt    string        `json:"created_at,omitempty"`
	UpdatedAt    string        `json:"updated_at,omitempty"`
}

type orderEnvelope struct {
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Order          *sqOrder `json:"order"`
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (o *sqOrder) pickup() *fulfillment {
	for i := range o.Fulfillments {
		if o.Fulfillments[i].PickupDetails != nil {
			return &o.Fulfillments[i]
		}
	}
	if len(o.Fulfillments) > 0 {
		return &o.Fulfillments[0]
	}
	return nil
}

func (o *sqOrder) domain() order.RemoteOrder {
	ro := order.RemoteOrder{
		ID:          o.ID,
		Version:     o.Version,
		State:       order.RemoteOrderState(o.State),
		ReferenceID: o.ReferenceID,
		Total:       o.TotalMoney.domain(),
		CreatedAt:   parseTime(o.CreatedAt),
		UpdatedAt:   parseTime(o.UpdatedAt),
	}
	if o.Source != nil {
		ro.Source = o.Source.Name
	}
	if f := o.pickup(); f != nil && f.PickupDetails != nil {
		ro.PickupAt = parseTime(f.PickupDetails.PickupAt)
		if f.PickupDetails.Recipient != nil {
			ro.CustomerName = f.PickupDetails.Recipient.DisplayName
		}
	}
	for _, t := range o.Tenders {
		ro.TenderIDs = append(ro.TenderIDs, t.ID)
	}
	for _, li := range o.LineItems {
		qty, err := strconv.Atoi(li.Quantity)
		if err != nil {
			qty = 1
		}
		item := order.RemoteLineItem{
			UID:             li.UID,
			CatalogObjectID: li.CatalogObjectID,
			Name:            li.Name,
			Quantity:        qty,
			BasePrice:       li.BasePriceMoney.domain(),
			Note:            li.Note,
		}
		for _, m := range li.Modifiers {
			item.Modifiers = append(item.Modifiers, order.RemoteModifier{
				CatalogObjectID: m.CatalogObjectID,
				Name:            m.Name,
			})
		}
		ro.LineItems = append(ro.LineItems, item)
	}
	return ro
}

type cashDetails struct {
	BuyerSuppliedMoney *money `json:"buyer_supplied_money"`
	ChangeBackMoney    *money `json:"change_back_money,omitempty"`
}

type externalDetails struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

type paymentRequest struct {
	IdempotencyKey  string           `json:"idempotency_key"`
	SourceID        string           `json:"source_id"`
	AmountMoney     *money           `json:"amount_money"`
	TipMoney        *money           `json:"tip_money,omitempty"`
	OrderID         string           `json:"order_id,omitempty"`
	LocationID      string           `json:"location_id,omitempty"`
	ReferenceID     string           `json:"reference_id,omitempty"`
	Autocomplete    bool             `json:"autocomplete"`
	CashDetails     *cashDetails     `json:"cash_details,omitempty"`
	ExternalDetails *externalDetails `json:"external_details,omitempty"`
}

type card struct {
	CardBrand string `json:"card_brand"`
	Last4     string `json:"last_4"`
}

type payment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	OrderID     string `json:"order_id"`
	ReceiptURL  string `json:"receipt_url"`
	CardDetails *struct {
		Card card `json:"card"`
	} `json:"card_details,omitempty"`
}

type paymentResponse struct {
	Payment payment `json:"payment"`
}

type refundRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	PaymentID      string `json:"payment_id"`
	AmountMoney    *money `json:"amount_money"`
	Reason         string `json:"reason,omitempty"`
}

type refundResponse struct {
	Refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"refund"`
}

type searchRequest struct {
	LocationIDs []string     `json:"location_ids"`
	Query       *searchQuery `json:"query,omitempty"`
	Limit       int          `json:"limit,omitempty"`
	Cursor      string       `json:"cursor,omitempty"`
}

type searchQuery struct {
	Filter searchFilter `json:"filter"`
	Sort   *searchSort  `json:"sort,omitempty"`
}

type searchFilter struct {
	StateFilter    *stateFilter    `json:"state_filter,omitempty"`
	SourceFilter   *sourceFilter   `json:"source_filter,omitempty"`
	DateTimeFilter *dateTimeFilter `json:"date_time_filter,omitempty"`
}

type stateFilter struct {
	States []string `json:"states"`
}

type sourceFilter struct {
	SourceNames []string `json:"source_names"`
}

type timeRange struct {
	StartAt string `json:"start_at,omitempty"`
	EndAt   string `json:"end_at,omitempty"`
}

type dateTimeFilter struct {
	UpdatedAt *timeRange `json:"updated_at,omitempty"`
}

type searchSort struct {
	SortField string `json:"sort_field"`
	SortOrder string `json:"sort_order"`
}

type searchResponse struct {
	Orders []sqOrder `json:"orders"`
	Cursor string    `json:"cursor"`
}
