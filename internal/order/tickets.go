package order

import (
	"context"
	"fmt"
)

const defaultStation = "expo"

// stationsOf lists the stations of the priced lines in first-seen order.
func stationsOf(lines []PricedLine) []string {
	seen := make(map[string]bool)
	var stations []string
	for _, l := range lines {
		st := l.Station
		if st == "" {
			st = defaultStation
		}
		if !seen[st] {
			seen[st] = true
			stations = append(stations, st)
		}
	}
	if len(stations) == 0 {
		stations = append(stations, defaultStation)
	}
	return stations
}

// kitchenTickets builds one order ticket per station. Entries that no longer
// price are still printed, on the default station, under their product id.
func kitchenTickets(o *Order, cart *RebuiltCart) []Ticket {
	byStation := make(map[string]*Ticket)
	var out []*Ticket

	ticketFor := func(station string) *Ticket {
		if t, ok := byStation[station]; ok {
			return t
		}
		t := &Ticket{
			OrderID:      o.ID,
			Kind:         TicketOrder,
			Station:      station,
			CustomerName: o.Customer.DisplayName(),
			ServiceAt:    o.ServiceAt,
			Message:      o.SpecialInstructions,
		}
		byStation[station] = t
		out = append(out, t)
		return t
	}

	for _, l := range cart.Lines {
		st := l.Station
		if st == "" {
			st = defaultStation
		}
		t := ticketFor(st)
		t.Lines = append(t.Lines, TicketLine{
			Quantity:  l.Entry.Quantity,
			Name:      l.Name,
			Modifiers: l.ModifierNames,
			Note:      l.Entry.Note,
		})
	}
	for _, e := range cart.Unavailable {
		t := ticketFor(defaultStation)
		t.Lines = append(t.Lines, TicketLine{Quantity: e.Quantity, Name: e.ProductID, Note: e.Note})
	}

	tickets := make([]Ticket, 0, len(out))
	for _, t := range out {
		tickets = append(tickets, *t)
	}
	return tickets
}

// noticeTickets builds one message-only ticket per station.
func noticeTickets(o *Order, stations []string, kind TicketKind, message string) []Ticket {
	tickets := make([]Ticket, 0, len(stations))
	for _, st := range stations {
		tickets = append(tickets, Ticket{
			OrderID:      o.ID,
			Kind:         kind,
			Station:      st,
			CustomerName: o.Customer.DisplayName(),
			ServiceAt:    o.ServiceAt,
			Message:      message,
		})
	}
	return tickets
}

// printAll prints tickets in order and returns the ids printed so far, also
// on failure.
func printAll(ctx context.Context, p TicketPrinter, tickets []Ticket) ([]string, error) {
	ids := make([]string, 0, len(tickets))
	for _, t := range tickets {
		id, err := p.Print(ctx, t)
		if err != nil {
			return ids, fmt.Errorf("print %s ticket for station %s: %w", t.Kind, t.Station, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
