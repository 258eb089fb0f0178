// Package model holds the shared types passed between the calendar,
// rendering, and transfer layers.
package model

import (
	"fmt"
	"time"
)

// Occurrence is a single concrete calendar event instance, after
// recurrence expansion and timezone normalization.
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies one occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string

	Summary  string
	Location string

	AllDay bool
	Busy   bool // false for TRANSP:TRANSPARENT events

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// AvailabilityState is the coarse calendar-derived state shown on the tag.
type AvailabilityState string

const (
	StateFree     AvailabilityState = "FREE"
	StateUpcoming AvailabilityState = "UPCOMING"
	StateBusy     AvailabilityState = "BUSY"
)

// StatusContent is everything that influences the rendered output, and
// therefore everything the change gate hashes. Wall-clock "now" is
// deliberately absent.
type StatusContent struct {
	State AvailabilityState `json:"state"`

	// Start / End bound the current event when State is BUSY or UPCOMING.
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`

	// NextEvent is the start of the next upcoming event, if any.
	NextEvent *time.Time `json:"next_event,omitempty"`
}

// CanonicalString returns the deterministic representation hashed by the
// change gate: state and RFC3339 time fields joined with '|'. Absent
// times contribute empty fields so that presence itself is significant.
func (c StatusContent) CanonicalString() string {
	f := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}
	return string(c.State) + "|" + f(c.Start) + "|" + f(c.End) + "|" + f(c.NextEvent)
}

// Fingerprint is the change gate's only durable state.
type Fingerprint struct {
	ContentHash string        `json:"content_hash"`
	CapturedAt  time.Time     `json:"captured_at"`
	Content     StatusContent `json:"content"`
}

// Rotation is a display rotation restricted to right angles.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Valid reports whether r is one of the four right angles.
func (r Rotation) Valid() bool {
	switch r {
	case Rotate0, Rotate90, Rotate180, Rotate270:
		return true
	}
	return false
}

// Geometry is a supported tag panel size in pixels.
type Geometry struct {
	Width  int
	Height int
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// TransferConfig is the validated, immutable per-invocation snapshot of
// everything the frame codec and transfer session need. It is built by
// internal/config and never mutated afterwards.
type TransferConfig struct {
	Geometry Geometry
	Rotation Rotation
	MirrorX  bool
	MirrorY  bool

	// Compression enables the run-framed payload encoding.
	Compression bool

	// DisableRed folds the red plane away even on tri-color panels.
	DisableRed bool

	// Threshold is the black/white luminance cut (0-255).
	Threshold int
	// RedThreshold is the red-plane cut (0-255).
	RedThreshold int
}
