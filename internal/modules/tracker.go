package modules

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ashita-ai/kokoro/internal/model"
)

// MarkRecommended records that moduleID was offered at the given time.
// Repeated calls are no-ops: the first recommendation timestamp is kept.
func MarkRecommended(status model.ModuleStatus, moduleID string, at time.Time) bool {
	p := status[moduleID]
	if p.RecommendedAt != nil {
		return false
	}
	at = at.UTC()
	p.RecommendedAt = &at
	status[moduleID] = p
	return true
}

// MarkCompleted records completion of moduleID. A module that was never
// recommended cannot complete. Completion is write-once: a second call
// returns changed=false and leaves the original timestamp and data alone.
// A completion time earlier than the recommendation is clamped up to it.
func MarkCompleted(status model.ModuleStatus, moduleID string, data map[string]any, at time.Time) (bool, error) {
	p, ok := status[moduleID]
	if !ok || p.RecommendedAt == nil {
		return false, fmt.Errorf("modules: complete %s: %w: not recommended", moduleID, model.ErrInvalidTransition)
	}
	if p.CompletedAt != nil {
		return false, nil
	}
	at = at.UTC()
	if at.Before(*p.RecommendedAt) {
		at = *p.RecommendedAt
	}
	p.CompletedAt = &at
	if len(data) > 0 {
		p.CompletionData = maps.Clone(data)
	}
	status[moduleID] = p
	return true, nil
}

// InFlight returns the module ids that were recommended, are not yet
// completed, and were recommended within ttl of now. A zero ttl disables
// expiry. Order follows the recommendation time, oldest first.
func InFlight(status model.ModuleStatus, now time.Time, ttl time.Duration) []string {
	type entry struct {
		id string
		at time.Time
	}
	var entries []entry
	for id, p := range status {
		if p.RecommendedAt == nil || p.CompletedAt != nil {
			continue
		}
		if ttl > 0 && now.Sub(*p.RecommendedAt) > ttl {
			continue
		}
		entries = append(entries, entry{id: id, at: *p.RecommendedAt})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}
