package entry

import "strings"

// Clock is a Lamport-style logical timestamp owned by one writer.
type Clock struct {
	ID   string `json:"id"`
	Time uint64 `json:"time"`
}

// Tick returns the clock for a new entry written by id on top of parents:
// one past the greatest parent time.
func Tick(id string, parents ...Clock) Clock {
	var max uint64
	for _, p := range parents {
		if p.Time > max {
			max = p.Time
		}
	}
	return Clock{ID: id, Time: max + 1}
}

// Compare orders clocks by time, then by writer identity.
func (c Clock) Compare(o Clock) int {
	switch {
	case c.Time < o.Time:
		return -1
	case c.Time > o.Time:
		return 1
	}
	return strings.Compare(c.ID, o.ID)
}
