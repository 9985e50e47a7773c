package geo

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DayType distinguishes weekdays from the designated weekend days.
type DayType string

const (
	Weekday DayType = "weekday"
	Weekend DayType = "weekend"
)

// UnknownSlot is returned when no configured range contains the hour.
const UnknownSlot = "unknown"

// DefaultTimeSlots is the slot table used when none is configured.
const DefaultTimeSlots = "night=0-6,morning=6-12,afternoon=12-18,evening=18-24"

// ErrInvalidSlotTable is returned for slot tables that overlap, leave gaps or
// use hours outside 0-24.
var ErrInvalidSlotTable = errors.New("invalid time slot table")

// SlotKey identifies one histogram bucket.
type SlotKey struct {
	Day  DayType
	Slot string
}

// String returns the "<day>:<slot>" form used in logs and JSON.
func (k SlotKey) String() string {
	return string(k.Day) + ":" + k.Slot
}

// MarshalText lets SlotKey be used as a JSON object key. The zero key
// encodes as "".
func (k SlotKey) MarshalText() ([]byte, error) {
	if k == (SlotKey{}) {
		return []byte{}, nil
	}
	return []byte(k.String()), nil
}

// UnmarshalText parses the "<day>:<slot>" form.
func (k *SlotKey) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = SlotKey{}
		return nil
	}
	day, slot, ok := strings.Cut(string(b), ":")
	if !ok || slot == "" {
		return fmt.Errorf("malformed slot key %q", string(b))
	}
	switch DayType(day) {
	case Weekday, Weekend:
	default:
		return fmt.Errorf("malformed slot key %q: unknown day type", string(b))
	}
	k.Day = DayType(day)
	k.Slot = slot
	return nil
}

// Slot is a named half-open hour range [Start, End).
type Slot struct {
	Name  string
	Start int
	End   int
}

// SlotTable maps timestamps to slot keys.
type SlotTable struct {
	slots   []Slot
	weekend [7]bool
}

// NewSlotTable builds a table from ordered slots and the weekend days. The
// table is not validated; call Validate for configuration input.
func NewSlotTable(slots []Slot, weekend ...time.Weekday) *SlotTable {
	t := &SlotTable{slots: append([]Slot(nil), slots...)}
	for _, d := range weekend {
		t.weekend[d] = true
	}
	return t
}

// DefaultSlotTable returns night/morning/afternoon/evening with Saturday and
// Sunday as the weekend.
func DefaultSlotTable() *SlotTable {
	slots, _ := parseSlots(DefaultTimeSlots)
	return NewSlotTable(slots, time.Saturday, time.Sunday)
}

// ParseSlotTable parses "name=start-end,..." plus a weekend day list such as
// "sat,sun" and validates the result.
func ParseSlotTable(slotSpec, weekendSpec string) (*SlotTable, error) {
	slots, err := parseSlots(slotSpec)
	if err != nil {
		return nil, err
	}
	days, err := ParseWeekendDays(weekendSpec)
	if err != nil {
		return nil, err
	}
	t := NewSlotTable(slots, days...)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseSlots(raw string) ([]Slot, error) {
	var slots []Slot
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, hours, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not name=start-end", ErrInvalidSlotTable, part)
		}
		from, to, ok := strings.Cut(hours, "-")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not name=start-end", ErrInvalidSlotTable, part)
		}
		start, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("%w: start hour in %q: %v", ErrInvalidSlotTable, part, err)
		}
		end, err := strconv.Atoi(strings.TrimSpace(to))
		if err != nil {
			return nil, fmt.Errorf("%w: end hour in %q: %v", ErrInvalidSlotTable, part, err)
		}
		slots = append(slots, Slot{Name: strings.TrimSpace(name), Start: start, End: end})
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: no slots defined", ErrInvalidSlotTable)
	}
	return slots, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekendDays parses exactly two distinct three-letter day names.
func ParseWeekendDays(raw string) ([]time.Weekday, error) {
	var days []time.Weekday
	seen := make(map[time.Weekday]bool)
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if len(name) > 3 {
			name = name[:3]
		}
		d, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekend day %q", part)
		}
		if seen[d] {
			return nil, fmt.Errorf("duplicate weekend day %q", part)
		}
		seen[d] = true
		days = append(days, d)
	}
	if len(days) != 2 {
		return nil, fmt.Errorf("weekend must name exactly two days, got %d", len(days))
	}
	return days, nil
}

// Validate checks that slots are well formed, disjoint, named uniquely and
// together cover every hour 0-23.
func (t *SlotTable) Validate() error {
	var covered [24]bool
	names := make(map[string]bool, len(t.slots))
	for _, s := range t.slots {
		if s.Name == "" || s.Name == UnknownSlot {
			return fmt.Errorf("%w: slot name %q not allowed", ErrInvalidSlotTable, s.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate slot %q", ErrInvalidSlotTable, s.Name)
		}
		names[s.Name] = true
		if s.Start < 0 || s.End > 24 || s.Start >= s.End {
			return fmt.Errorf("%w: slot %q has range %d-%d", ErrInvalidSlotTable, s.Name, s.Start, s.End)
		}
		for h := s.Start; h < s.End; h++ {
			if covered[h] {
				return fmt.Errorf("%w: hour %d covered twice", ErrInvalidSlotTable, h)
			}
			covered[h] = true
		}
	}
	for h, ok := range covered {
		if !ok {
			return fmt.Errorf("%w: hour %d not covered", ErrInvalidSlotTable, h)
		}
	}
	return nil
}

// Names returns the configured slot names in table order.
func (t *SlotTable) Names() []string {
	out := make([]string, len(t.slots))
	for i, s := range t.slots {
		out[i] = s.Name
	}
	return out
}

// WeekendDays returns the designated weekend days, Sunday first.
func (t *SlotTable) WeekendDays() []time.Weekday {
	var out []time.Weekday
	for d, ok := range t.weekend {
		if ok {
			out = append(out, time.Weekday(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Classify returns the slot key for ts, evaluated in ts's own location.
func (t *SlotTable) Classify(ts time.Time) SlotKey {
	hour := ts.Hour()
	name := UnknownSlot
	for _, s := range t.slots {
		if hour >= s.Start && hour < s.End {
			name = s.Name
			break
		}
	}
	day := Weekday
	if t.weekend[ts.Weekday()] {
		day = Weekend
	}
	return SlotKey{Day: day, Slot: name}
}
