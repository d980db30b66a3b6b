// Package gate derives the UI pacing booleans from deduplicated identity
// label counts.
package gate

import "github.com/ashita-ai/kokoro/internal/model"

const (
	// unlockParts is the distinct Part count that unlocks the report when no
	// Self label has been named yet.
	unlockParts = 3
	// reminderEvery is the Part count step at which a reminder fires.
	reminderEvery = 3
)

// TallyFrom refreshes the distinct counts in prev from the aggregate label
// sets. Sticky fields (report_unlocked, last_reminder_k, opted_out) carry over.
func TallyFrom(agg model.Aggregates, prev model.GateTally) model.GateTally {
	prev.DistinctSelf = len(agg.SelfLabels)
	prev.DistinctParts = len(agg.PartLabels)
	return prev
}

// Evaluate computes the gate for a tally and returns the tally to persist.
//
// ReportUnlocked never reverts once true. ReminderDue fires once each time
// floor(parts/3) passes the last fired step, and never after opt-out.
func Evaluate(t model.GateTally) (model.Gate, model.GateTally) {
	if t.DistinctSelf >= 1 || t.DistinctParts >= unlockParts {
		t.ReportUnlocked = true
	}

	var g model.Gate
	g.ReportUnlocked = t.ReportUnlocked
	if k := t.DistinctParts / reminderEvery; k > t.LastReminderK {
		if !t.OptedOut {
			g.ReminderDue = true
		}
		// Steps passed while opted out are consumed as well.
		t.LastReminderK = k
	}
	return g, t
}
