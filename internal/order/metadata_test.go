package order_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

func TestOrder_Metadata(t *testing.T) {
	o := &order.Order{}

	_, ok := o.Meta(order.MetaRemoteOrderID)
	assert.False(t, ok)
	assert.Nil(t, o.MetaList(order.MetaTicketIDs))

	o.SetMeta(order.MetaRemoteOrderID, "R-1")
	o.SetMeta(order.MetaRemoteOrderID, "R-2")
	v, ok := o.Meta(order.MetaRemoteOrderID)
	assert.True(t, ok)
	assert.Equal(t, "R-2", v)
	assert.Len(t, o.Metadata, 1)

	o.AppendMeta(order.MetaTicketIDs, "T-1")
	o.AppendMeta(order.MetaTicketIDs)
	o.AppendMeta(order.MetaTicketIDs, "T-2", "T-3")
	assert.Equal(t, []string{"T-1", "T-2", "T-3"}, o.MetaList(order.MetaTicketIDs))
	v, _ = o.Meta(order.MetaTicketIDs)
	assert.Equal(t, "T-1,T-2,T-3", v)
}

func TestOrder_CloneIsDeep(t *testing.T) {
	o := seededOrder("o-1", order.StatusOpen, order.FulfillmentProposed)
	o.Payments = []order.Tender{cardTender(1100)}
	o.SetMeta(order.MetaRemoteOrderID, "R-1")

	c := o.Clone()
	c.Payments[0].Card.SourceID = "changed"
	c.Cart[0].Quantity = 9
	c.SetMeta(order.MetaRemoteOrderID, "R-9")

	assert.Equal(t, "cnon:card-nonce-ok", o.Payments[0].Card.SourceID)
	assert.Equal(t, 1, o.Cart[0].Quantity)
	v, _ := o.Meta(order.MetaRemoteOrderID)
	assert.Equal(t, "R-1", v)
}
