package order

import (
	"slices"
	"time"
)

const daysSearched = 7

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func (c *FulfillmentConfig) step() int {
	if c.TimeStep <= 0 {
		return 1
	}
	return c.TimeStep
}

func (c *FulfillmentConfig) intervals(day time.Weekday) []Interval {
	ivs := slices.Clone(c.OperatingHours[day])
	slices.SortFunc(ivs, func(a, b Interval) int { return a.Start - b.Start })
	return ivs
}

// Available reports whether t is a bookable slot: not before earliest,
// inside the operating hours of its weekday and on a time-step boundary.
func (c *FulfillmentConfig) Available(t, earliest time.Time) bool {
	if t.Before(earliest) {
		return false
	}
	if t.Second() != 0 || t.Nanosecond() != 0 {
		return false
	}
	minute := minuteOfDay(t)
	if minute%c.step() != 0 {
		return false
	}
	for _, iv := range c.OperatingHours[t.Weekday()] {
		if minute >= iv.Start && minute < iv.End {
			return true
		}
	}
	return false
}

// NextSlot returns the first bookable slot at or after from, looking ahead
// at most a week.
func (c *FulfillmentConfig) NextSlot(from time.Time) (time.Time, bool) {
	if from.Second() != 0 || from.Nanosecond() != 0 {
		from = from.Truncate(time.Minute).Add(time.Minute)
	}
	loc := from.Location()
	step := c.step()

	for d := 0; d <= daysSearched; d++ {
		day := time.Date(from.Year(), from.Month(), from.Day()+d, 0, 0, 0, 0, loc)
		for _, iv := range c.intervals(day.Weekday()) {
			first := (iv.Start + step - 1) / step * step
			for m := first; m < iv.End; m += step {
				slot := time.Date(day.Year(), day.Month(), day.Day(), 0, m, 0, 0, loc)
				if !slot.Before(from) {
					return slot, true
				}
			}
		}
	}
	return time.Time{}, false
}
