// Package status derives the calendar availability shown on the tag and
// implements the change gate that decides whether a transfer is worth
// attempting at all.
package status

import (
	"sort"
	"time"

	"tagcal/internal/model"
)

// lookaheadWindow bounds how far into the future the next event is
// searched for.
const lookaheadWindow = 24 * time.Hour

// Compute determines availability at the given instant from expanded
// occurrences. An opaque event covering now means BUSY; one starting
// within checkWindow means UPCOMING; otherwise FREE. The returned
// content also carries the next event start within the next 24 hours.
func Compute(occurrences []model.Occurrence, now time.Time, checkWindow time.Duration) model.StatusContent {
	windowEnd := now.Add(checkWindow)
	futureEnd := now.Add(lookaheadWindow)

	sorted := make([]model.Occurrence, 0, len(occurrences))
	for _, occ := range occurrences {
		if !occ.Busy {
			continue
		}
		sorted = append(sorted, occ)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var (
		current  *model.Occurrence
		upcoming *model.Occurrence
		next     *model.Occurrence
	)

	for i := range sorted {
		occ := &sorted[i]

		// Covering now. End is exclusive so back-to-back meetings do
		// not overlap at the boundary.
		if !occ.Start.After(now) && occ.End.After(now) {
			if current == nil {
				current = occ
			}
			continue
		}

		if occ.Start.After(now) {
			if !occ.Start.After(windowEnd) && upcoming == nil {
				upcoming = occ
			}
			if occ.Start.Before(futureEnd) && next == nil {
				next = occ
			}
		}
	}

	switch {
	case current != nil:
		content := model.StatusContent{
			State: model.StateBusy,
			Start: timePtr(current.Start),
			End:   timePtr(current.End),
		}
		if next != nil {
			content.NextEvent = timePtr(next.Start)
		}
		return content

	case upcoming != nil:
		return model.StatusContent{
			State:     model.StateUpcoming,
			Start:     timePtr(upcoming.Start),
			End:       timePtr(upcoming.End),
			NextEvent: timePtr(upcoming.Start),
		}

	default:
		content := model.StatusContent{State: model.StateFree}
		if next != nil {
			content.NextEvent = timePtr(next.Start)
		}
		return content
	}
}

func timePtr(t time.Time) *time.Time {
	u := t
	return &u
}
