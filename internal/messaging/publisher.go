// Package messaging publishes kitchen tickets and customer/operator
// notifications to NATS Streaming. Printers and the mailer subscribe on the
// other side.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	stan "github.com/nats-io/stan.go"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

type Subjects struct {
	Ticket       string
	TicketCancel string
	Customer     string
	Alert        string
}

type Config struct {
	URL       string
	ClusterID string
	ClientID  string
	Subjects  Subjects
}

// Conn is the publishing half of stan.Conn.
type Conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	conn     Conn
	subjects Subjects
	now      func() time.Time
}

var (
	_ order.TicketPrinter = (*Publisher)(nil)
	_ order.Notifier      = (*Publisher)(nil)
)

func NewPublisher(conn Conn, subjects Subjects) *Publisher {
	return &Publisher{conn: conn, subjects: subjects, now: time.Now}
}

// Connect opens the streaming connection. The returned close func must be
// called on shutdown.
func Connect(cfg Config) (*Publisher, func() error, error) {
	sc, err := stan.Connect(cfg.ClusterID, cfg.ClientID,
		stan.NatsURL(cfg.URL),
		stan.SetConnectionLostHandler(func(_ stan.Conn, reason error) {
			log.Error().Err(reason).Msg("messaging: connection lost")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("messaging: failed to connect to %s: %w", cfg.URL, err)
	}
	log.Info().Str("cluster_id", cfg.ClusterID).Str("client_id", cfg.ClientID).Msg("messaging: connected")
	return NewPublisher(sc, cfg.Subjects), sc.Close, nil
}

func (p *Publisher) publish(ctx context.Context, subject string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging: failed to encode message for %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: failed to publish to %s: %w", subject, err)
	}
	log.Debug().Ctx(ctx).Str("subject", subject).Int("bytes", len(data)).Msg("messaging: published")
	return nil
}

type TicketMessage struct {
	TicketID string       `json:"ticket_id"`
	Ticket   order.Ticket `json:"ticket"`
	IssuedAt time.Time    `json:"issued_at"`
}

type TicketCancelMessage struct {
	TicketID string    `json:"ticket_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// Print queues the ticket for its station's printer and returns the ticket id.
func (p *Publisher) Print(ctx context.Context, t order.Ticket) (string, error) {
	id := ulid.Make().String()
	if err := p.publish(ctx, p.subjects.Ticket, TicketMessage{TicketID: id, Ticket: t, IssuedAt: p.now()}); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Publisher) Cancel(ctx context.Context, ticketID string) error {
	return p.publish(ctx, p.subjects.TicketCancel, TicketCancelMessage{TicketID: ticketID, IssuedAt: p.now()})
}

type CustomerKind string

const (
	CustomerOrderConfirmed   CustomerKind = "ORDER_CONFIRMED"
	CustomerOrderCanceled    CustomerKind = "ORDER_CANCELED"
	CustomerOrderRescheduled CustomerKind = "ORDER_RESCHEDULED"
)

type CustomerMessage struct {
	Kind              CustomerKind `json:"kind"`
	OrderID           string       `json:"order_id"`
	Name              string       `json:"name"`
	Email             string       `json:"email,omitempty"`
	Phone             string       `json:"phone,omitempty"`
	ServiceAt         time.Time    `json:"service_at"`
	PreviousServiceAt *time.Time   `json:"previous_service_at,omitempty"`
	Total             order.Money  `json:"total"`
	Reason            string       `json:"reason,omitempty"`
}

func customerMessage(kind CustomerKind, o *order.Order) CustomerMessage {
	return CustomerMessage{
		Kind:      kind,
		OrderID:   o.ID,
		Name:      o.Customer.DisplayName(),
		Email:     o.Customer.Email,
		Phone:     o.Customer.Phone,
		ServiceAt: o.ServiceAt,
		Total:     o.Total,
	}
}

func (p *Publisher) OrderConfirmed(ctx context.Context, o *order.Order) error {
	return p.publish(ctx, p.subjects.Customer, customerMessage(CustomerOrderConfirmed, o))
}

func (p *Publisher) OrderCanceled(ctx context.Context, o *order.Order, reason string) error {
	msg := customerMessage(CustomerOrderCanceled, o)
	msg.Reason = reason
	return p.publish(ctx, p.subjects.Customer, msg)
}

func (p *Publisher) OrderRescheduled(ctx context.Context, o *order.Order, previous time.Time) error {
	msg := customerMessage(CustomerOrderRescheduled, o)
	msg.PreviousServiceAt = &previous
	return p.publish(ctx, p.subjects.Customer, msg)
}

type AlertMessage struct {
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	IssuedAt time.Time `json:"issued_at"`
}

func (p *Publisher) Alert(ctx context.Context, subject, body string) error {
	return p.publish(ctx, p.subjects.Alert, AlertMessage{Subject: subject, Body: body, IssuedAt: p.now()})
}
