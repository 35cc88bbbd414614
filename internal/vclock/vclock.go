// Package vclock implements the vector clocks used to order writes across
// replicas.
//
// A Clock maps a device ID to the number of writes that device has
// originated (as observed by the holder of the clock). Missing entries are
// treated as zero. Clocks are values: every function in this package returns
// a fresh map and never mutates its arguments, so a clock taken from one
// document can be handed to a concurrent merge without aliasing.
package vclock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Clock is a per-device counter map.
type Clock map[string]int64

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Equal means both clocks carry identical counters.
	Equal Ordering = iota
	// Before means the left clock happened strictly before the right clock.
	Before
	// After means the left clock happened strictly after the right clock.
	After
	// Concurrent means neither clock dominates the other.
	Concurrent
)

// String returns a human-readable representation of the ordering.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Invert returns the ordering seen from the other side of the comparison.
func (o Ordering) Invert() Ordering {
	switch o {
	case Before:
		return After
	case After:
		return Before
	default:
		return o
	}
}

// Compare compares a against b over the union of their device keys.
//
//	Compare({A:1}, {A:2})         == Before
//	Compare({A:2}, {A:1,B:1})     == Concurrent
//	Compare({A:2,B:1}, {A:1,B:1}) == After
func Compare(a, b Clock) Ordering {
	var less, greater bool

	for device, av := range a {
		bv := b[device]
		switch {
		case av < bv:
			less = true
		case av > bv:
			greater = true
		}
	}
	for device, bv := range b {
		if _, seen := a[device]; seen {
			continue
		}
		// a[device] is implicitly 0
		if bv > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Merge returns the pointwise maximum of a and b.
func Merge(a, b Clock) Clock {
	out := make(Clock, len(a)+len(b))
	for device, v := range a {
		out[device] = v
	}
	for device, v := range b {
		if v > out[device] {
			out[device] = v
		}
	}
	return out
}

// Increment returns a copy of c with device's entry advanced by one.
// Only the device originating a write calls this.
func Increment(c Clock, device string) Clock {
	out := c.Clone()
	out[device]++
	return out
}

// Clone returns a deep copy of the clock. Cloning a nil clock yields an
// empty, non-nil clock.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for device, v := range c {
		out[device] = v
	}
	return out
}

// Get returns the counter for device, or 0 when absent.
func (c Clock) Get(device string) int64 {
	return c[device]
}

// Devices returns the device IDs in c in sorted order.
func (c Clock) Devices() []string {
	devices := make([]string, 0, len(c))
	for device := range c {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	return devices
}

// String renders the clock deterministically, e.g. "{A:2,B:1}".
func (c Clock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, device := range c.Devices() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", device, c[device])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the clock as a JSON object. A nil clock encodes as {}
// so documents on disk always carry a clock field.
func (c Clock) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]int64(c))
}

// Parse decodes a clock from its JSON form. Empty input yields an empty clock.
func Parse(data []byte) (Clock, error) {
	if len(data) == 0 {
		return Clock{}, nil
	}
	var c Clock
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse vector clock: %w", err)
	}
	if c == nil {
		c = Clock{}
	}
	for device, v := range c {
		if v < 0 {
			return nil, fmt.Errorf("vector clock entry %q is negative (%d)", device, v)
		}
	}
	return c, nil
}
