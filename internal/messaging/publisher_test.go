package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

var subjects = Subjects{Ticket: "t", TicketCancel: "tc", Customer: "c", Alert: "a"}

func newTestPublisher() (*Publisher, *fakeConn) {
	conn := &fakeConn{}
	p := NewPublisher(conn, subjects)
	p.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	return p, conn
}

func TestPublisher_PrintAndCancel(t *testing.T) {
	p, conn := newTestPublisher()
	ctx := context.Background()

	id, err := p.Print(ctx, order.Ticket{OrderID: "o-1", Kind: order.TicketOrder, Station: "grill"})
	require.NoError(t, err)
	_, err = ulid.Parse(id)
	require.NoError(t, err)

	require.NoError(t, p.Cancel(ctx, id))
	require.Len(t, conn.msgs, 2)

	var ticket TicketMessage
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &ticket))
	assert.Equal(t, "t", conn.msgs[0].subject)
	assert.Equal(t, id, ticket.TicketID)
	assert.Equal(t, "grill", ticket.Ticket.Station)

	var cancel TicketCancelMessage
	require.NoError(t, json.Unmarshal(conn.msgs[1].data, &cancel))
	assert.Equal(t, "tc", conn.msgs[1].subject)
	assert.Equal(t, id, cancel.TicketID)
}

func TestPublisher_PrintFailure(t *testing.T) {
	p, conn := newTestPublisher()
	conn.err = errors.New("stan: connection closed")

	id, err := p.Print(context.Background(), order.Ticket{OrderID: "o-1"})
	assert.Error(t, err)
	assert.Empty(t, id)
}

func TestPublisher_CustomerNotifications(t *testing.T) {
	p, conn := newTestPublisher()
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)
	o := &order.Order{
		ID:        "o-1",
		Customer:  order.CustomerInfo{GivenName: "Ada", FamilyName: "Lovelace", Email: "ada@example.com"},
		ServiceAt: at,
	}

	require.NoError(t, p.OrderConfirmed(ctx, o))
	require.NoError(t, p.OrderCanceled(ctx, o, "kitchen closed"))
	require.NoError(t, p.OrderRescheduled(ctx, o, at.Add(-time.Hour)))
	require.NoError(t, p.Alert(ctx, "Unwind failed", "order o-1"))
	require.Len(t, conn.msgs, 4)

	var msgs []CustomerMessage
	for _, m := range conn.msgs[:3] {
		assert.Equal(t, "c", m.subject)
		var cm CustomerMessage
		require.NoError(t, json.Unmarshal(m.data, &cm))
		msgs = append(msgs, cm)
	}
	assert.Equal(t, CustomerOrderConfirmed, msgs[0].Kind)
	assert.Equal(t, "Ada Lovelace", msgs[0].Name)
	assert.Equal(t, "kitchen closed", msgs[1].Reason)
	require.NotNil(t, msgs[2].PreviousServiceAt)
	assert.True(t, at.Add(-time.Hour).Equal(*msgs[2].PreviousServiceAt))

	var alert AlertMessage
	require.NoError(t, json.Unmarshal(conn.msgs[3].data, &alert))
	assert.Equal(t, "a", conn.msgs[3].subject)
	assert.Equal(t, "Unwind failed", alert.Subject)
}
