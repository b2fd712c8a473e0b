package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFilter_SQL(t *testing.T) {
	to := time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		filter    Filter
		prior     []any
		wantWhere string
		wantArgs  []any
	}{
		{
			name:     "empty",
			filter:   Filter{},
			prior:    []any{"o-1"},
			wantArgs: []any{"o-1"},
		},
		{
			name:      "placeholders_continue_after_prior_args",
			filter:    Filter{StatusIn: []Status{StatusConfirmed}, FulfillmentStatusIn: []FulfillmentStatus{FulfillmentProposed}, ServiceTo: &to},
			prior:     []any{"token", to, to},
			wantWhere: " AND status = ANY($4) AND fulfillment_status = ANY($5) AND service_at <= $6",
			wantArgs:  []any{"token", to, to, []string{"CONFIRMED"}, []string{"PROPOSED"}, to},
		},
		{
			name:      "not_in",
			filter:    Filter{StatusNotIn: []Status{StatusCanceled, StatusCompleted}},
			wantWhere: " AND NOT (status = ANY($1))",
			wantArgs:  []any{[]string{"CANCELED", "COMPLETED"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := tt.filter.sql(tt.prior)
			assert.Equal(t, tt.wantWhere, where)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestFilter_Match(t *testing.T) {
	from := time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC)
	to := time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC)
	o := &Order{Status: StatusConfirmed, Fulfillment: Fulfillment{Status: FulfillmentSent}, ServiceAt: to}

	assert.True(t, Filter{}.Match(o))
	assert.True(t, Filter{StatusIn: []Status{StatusConfirmed}, ServiceFrom: &from, ServiceTo: &to}.Match(o))
	assert.False(t, Filter{StatusNotIn: []Status{StatusConfirmed}}.Match(o))
	assert.False(t, Filter{FulfillmentStatusIn: []FulfillmentStatus{FulfillmentProposed}}.Match(o))
	assert.False(t, Filter{ServiceTo: &from}.Match(o))
}
