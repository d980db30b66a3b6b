package state

import (
	"strings"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/textmatch"
)

// ClassifyPatterns derives the pattern profile from the conversation
// history. Below MinTurns user turns it returns the insufficient_data
// profile; that is a valid state, not an error.
func (a *Aggregator) ClassifyPatterns(conversationID string, h History) model.PatternProfile {
	turns := h.Aggregates.TotalTurns
	if turns < a.cfg.MinTurns {
		return model.InsufficientProfile(turns)
	}

	texts := make([]string, len(h.Messages))
	for i, m := range h.Messages {
		texts[i] = strings.ToLower(m.Text)
	}

	attachment, confidence := a.attachment(texts)
	p := model.PatternProfile{
		DefenseMechanisms: a.defenses(texts),
		Attachment:        attachment,
		Confidence:        confidence,
		RecurringThemes:   a.themes(texts),
		Trajectory:        a.trajectory(h),
		UserTurns:         turns,
	}
	a.logger.Debug("state: patterns classified",
		"conversation_id", conversationID,
		"defenses", p.DefenseMechanisms,
		"attachment", p.Attachment,
		"confidence", p.Confidence,
		"trajectory", p.Trajectory,
	)
	return p
}

func (a *Aggregator) defenses(texts []string) []string {
	found := []string{}
	for _, rule := range a.cfg.Defenses {
		hits := 0
		for _, text := range texts {
			if matchesAllGroups(text, rule.AllOf) {
				hits++
			}
		}
		if hits >= rule.MinHits {
			found = append(found, rule.Name)
		}
	}
	return found
}

func matchesAllGroups(text string, groups [][]string) bool {
	for _, group := range groups {
		if !containsAny(text, group) {
			return false
		}
	}
	return len(groups) > 0
}

// attachment picks the pattern with the most marker hits. Confidence is the
// winner's share of all hits, a relative-dominance ratio in [0,1] that stays
// comparable as the amount of evidence varies.
func (a *Aggregator) attachment(texts []string) (string, float64) {
	var total, best float64
	winner := ""
	for _, rule := range a.cfg.Attachments {
		score := 0.0
		for _, text := range texts {
			for _, marker := range rule.Markers {
				marker = strings.ToLower(strings.TrimSpace(marker))
				if marker != "" {
					score += float64(textmatch.Count(text, marker))
				}
			}
		}
		total += score
		if score > best {
			best = score
			winner = rule.Pattern
		}
	}
	if total == 0 {
		return model.AttachmentNone, 0
	}
	return winner, clamp01(best / total)
}

func (a *Aggregator) themes(texts []string) []string {
	found := []string{}
	for _, rule := range a.cfg.Themes {
		messages := 0
		for _, text := range texts {
			if containsAny(text, rule.Keywords) {
				messages++
			}
		}
		if messages >= a.cfg.RecurringThemeMin {
			found = append(found, rule.Theme)
		}
	}
	return found
}

// trajectory fits a least-squares slope to the EMA-smoothed intensity of the
// last M turns.
func (a *Aggregator) trajectory(h History) model.Trajectory {
	latest := h.latestTurn()
	first := max(latest-a.cfg.TrajectoryWindow+1, 1)
	if latest-first+1 < 2 {
		return model.TrajectoryInsufficientData
	}

	var series []float64
	smoothed := 0.0
	for t := first; t <= latest; t++ {
		v := a.intensityAt(h, t)
		if t == first {
			smoothed = v
		} else {
			smoothed = a.cfg.SmoothingAlpha*v + (1-a.cfg.SmoothingAlpha)*smoothed
		}
		series = append(series, smoothed)
	}

	slope := leastSquaresSlope(series)
	switch {
	case slope > a.cfg.SlopeThreshold:
		return model.TrajectoryEscalating
	case slope < -a.cfg.SlopeThreshold:
		return model.TrajectoryStabilizing
	default:
		return model.TrajectoryFlat
	}
}

func leastSquaresSlope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if textmatch.Contains(text, kw) {
			return true
		}
	}
	return false
}
