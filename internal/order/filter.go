package order

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Filter narrows the orders a lock or query may touch. Empty fields match
// everything.
type Filter struct {
	StatusIn            []Status
	StatusNotIn         []Status
	FulfillmentStatusIn []FulfillmentStatus
	ServiceFrom         *time.Time
	ServiceTo           *time.Time
}

// Match evaluates the filter against an order in memory.
func (f Filter) Match(o *Order) bool {
	if len(f.StatusIn) > 0 && !slices.Contains(f.StatusIn, o.Status) {
		return false
	}
	if slices.Contains(f.StatusNotIn, o.Status) {
		return false
	}
	if len(f.FulfillmentStatusIn) > 0 && !slices.Contains(f.FulfillmentStatusIn, o.Fulfillment.Status) {
		return false
	}
	if f.ServiceFrom != nil && o.ServiceAt.Before(*f.ServiceFrom) {
		return false
	}
	if f.ServiceTo != nil && o.ServiceAt.After(*f.ServiceTo) {
		return false
	}
	return true
}

// sql renders the filter as " AND ..." conditions, appending its arguments
// to args so that placeholders continue the caller's numbering.
func (f Filter) sql(args []any) (string, []any) {
	var b strings.Builder

	if len(f.StatusIn) > 0 {
		args = append(args, toStrings(f.StatusIn))
		fmt.Fprintf(&b, " AND status = ANY($%d)", len(args))
	}
	if len(f.StatusNotIn) > 0 {
		args = append(args, toStrings(f.StatusNotIn))
		fmt.Fprintf(&b, " AND NOT (status = ANY($%d))", len(args))
	}
	if len(f.FulfillmentStatusIn) > 0 {
		args = append(args, toStrings(f.FulfillmentStatusIn))
		fmt.Fprintf(&b, " AND fulfillment_status = ANY($%d)", len(args))
	}
	if f.ServiceFrom != nil {
		args = append(args, *f.ServiceFrom)
		fmt.Fprintf(&b, " AND service_at >= $%d", len(args))
	}
	if f.ServiceTo != nil {
		args = append(args, *f.ServiceTo)
		fmt.Fprintf(&b, " AND service_at <= $%d", len(args))
	}
	return b.String(), args
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
