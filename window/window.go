// Package window implements time-windowed aggregation on top of the state
// store contracts: tumbling, hopping, and sliding windows with per-key or
// global watermarks, grace periods, and exactly-once emission of closed
// windows.
package window

import (
	"fmt"
	"time"
)

// Span is one window's half-open interval [Start, End) in Unix milliseconds.
type Span struct {
	Start int64
	End   int64
}

func (s Span) String() string {
	return fmt.Sprintf("[%d,%d)", s.Start, s.End)
}

// Contains reports whether ts falls inside the span.
func (s Span) Contains(ts int64) bool {
	return ts >= s.Start && ts < s.End
}

type Kind int

const (
	KindTumbling Kind = iota
	KindHopping
	KindSliding
)

func (k Kind) String() string {
	switch k {
	case KindTumbling:
		return "tumbling"
	case KindHopping:
		return "hopping"
	case KindSliding:
		return "sliding"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Def is a windowing policy. All arithmetic is done in milliseconds to match
// record timestamps.
type Def struct {
	kind    Kind
	size    int64
	advance int64
	grace   int64
}

// Tumbling returns fixed, non-overlapping windows aligned to the epoch.
func Tumbling(size, grace time.Duration) (Def, error) {
	if size <= 0 {
		return Def{}, fmt.Errorf("window size must be positive, got %v", size)
	}
	if grace < 0 {
		return Def{}, fmt.Errorf("grace period must not be negative, got %v", grace)
	}
	return Def{kind: KindTumbling, size: size.Milliseconds(), advance: size.Milliseconds(), grace: grace.Milliseconds()}, nil
}

// Hopping returns overlapping windows of the given size advancing by step.
// A step equal to size degenerates to tumbling.
func Hopping(size, step, grace time.Duration) (Def, error) {
	if size <= 0 {
		return Def{}, fmt.Errorf("window size must be positive, got %v", size)
	}
	if step <= 0 || step > size {
		return Def{}, fmt.Errorf("advance step must be in (0, size], got %v", step)
	}
	if grace < 0 {
		return Def{}, fmt.Errorf("grace period must not be negative, got %v", grace)
	}
	return Def{kind: KindHopping, size: size.Milliseconds(), advance: step.Milliseconds(), grace: grace.Milliseconds()}, nil
}

// Sliding returns record-aligned windows: each record opens a window covering
// the size interval ending at its timestamp, and joins every existing window
// of its key that contains the timestamp.
func Sliding(size, grace time.Duration) (Def, error) {
	if size <= 0 {
		return Def{}, fmt.Errorf("window size must be positive, got %v", size)
	}
	if grace < 0 {
		return Def{}, fmt.Errorf("grace period must not be negative, got %v", grace)
	}
	return Def{kind: KindSliding, size: size.Milliseconds(), grace: grace.Milliseconds()}, nil
}

func (d Def) Kind() Kind   { return d.kind }
func (d Def) Size() int64  { return d.size }
func (d Def) Grace() int64 { return d.grace }

// Closed reports whether a window ending at end is closed under the given
// watermark.
func (d Def) Closed(end, watermark int64) bool {
	return watermark-end >= d.grace
}

// WindowsFor computes the aligned spans a timestamp belongs to: one for
// tumbling, size/advance many for hopping, and the record-aligned span for
// sliding (overlap with existing windows is resolved by the aggregator, which
// can see the store).
func (d Def) WindowsFor(ts int64) []Span {
	switch d.kind {
	case KindTumbling:
		start := floorTo(ts, d.size)
		return []Span{{Start: start, End: start + d.size}}
	case KindHopping:
		var spans []Span
		// Latest aligned start containing ts, walking backwards while the
		// window still covers it. Emitted in start-ascending order.
		latest := floorTo(ts, d.advance)
		for start := latest; start > ts-d.size; start -= d.advance {
			spans = append(spans, Span{Start: start, End: start + d.size})
		}
		for i, j := 0, len(spans)-1; i < j; i, j = i+1, j-1 {
			spans[i], spans[j] = spans[j], spans[i]
		}
		return spans
	case KindSliding:
		return []Span{{Start: ts - d.size + 1, End: ts + 1}}
	default:
		return nil
	}
}

func floorTo(ts, step int64) int64 {
	floored := (ts / step) * step
	if ts < 0 && ts%step != 0 {
		floored -= step
	}
	return floored
}
