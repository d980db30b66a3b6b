package turns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/modules"
)

// update runs fn as one atomic store update under the conversation lock.
func (s *Service) update(ctx context.Context, conversationID string, fn func(c *model.Conversation) error) (*model.Conversation, error) {
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("turns: lock %s: %w", conversationID, err)
	}
	defer unlock()
	return s.store.Update(ctx, conversationID, fn)
}

// RecommendModule marks module_id as recommended in the conversation. It is
// idempotent: a second call keeps the original timestamp.
func (s *Service) RecommendModule(ctx context.Context, conversationID, moduleID string) (model.ModuleProgress, error) {
	if err := validateID(conversationID); err != nil {
		return model.ModuleProgress{}, err
	}
	if _, err := s.catalog.ModuleCatalog().Get(moduleID); err != nil {
		return model.ModuleProgress{}, fmt.Errorf("turns: recommend: %w", err)
	}
	ctx, span := s.tracer.Start(ctx, "turns.RecommendModule", trace.WithAttributes(
		attribute.String("kokoro.conversation_id", conversationID),
		attribute.String("kokoro.module_id", moduleID),
	))
	defer span.End()

	at := s.now().UTC()
	var progress model.ModuleProgress
	_, err := s.update(ctx, conversationID, func(c *model.Conversation) error {
		if !modules.MarkRecommended(c.ModuleStatus, moduleID, at) {
			progress = c.ModuleStatus[moduleID]
			return errNoChange
		}
		progress = c.ModuleStatus[moduleID]
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		span.SetStatus(codes.Error, err.Error())
		return model.ModuleProgress{}, fmt.Errorf("turns: recommend %s in %s: %w", moduleID, conversationID, err)
	}
	return progress, nil
}

// CompleteModule records completion of a recommended module. Completing a
// module that was never recommended returns model.ErrInvalidTransition and
// leaves the conversation unchanged. A repeated completion is a no-op.
func (s *Service) CompleteModule(ctx context.Context, conversationID, moduleID string, data map[string]any) (model.ModuleProgress, error) {
	if err := validateID(conversationID); err != nil {
		return model.ModuleProgress{}, err
	}
	if _, err := s.catalog.ModuleCatalog().Get(moduleID); err != nil {
		return model.ModuleProgress{}, fmt.Errorf("turns: complete: %w", err)
	}
	ctx, span := s.tracer.Start(ctx, "turns.CompleteModule", trace.WithAttributes(
		attribute.String("kokoro.conversation_id", conversationID),
		attribute.String("kokoro.module_id", moduleID),
	))
	defer span.End()

	at := s.now().UTC()
	var progress model.ModuleProgress
	_, err := s.update(ctx, conversationID, func(c *model.Conversation) error {
		changed, err := modules.MarkCompleted(c.ModuleStatus, moduleID, data, at)
		if err != nil {
			return err
		}
		progress = c.ModuleStatus[moduleID]
		if !changed {
			return errNoChange
		}
		return nil
	})
	switch {
	case errors.Is(err, errNoChange):
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		return model.ModuleProgress{}, fmt.Errorf("turns: complete %s in %s: %w", moduleID, conversationID, err)
	default:
		s.logger.Info("turns: module completed", "conversation_id", conversationID, "module_id", moduleID)
	}
	return progress, nil
}

// SubmitQuestionnaire scores answers and persists the record. When
// conversationID is set and the questionnaire belongs to a module that was
// recommended in that conversation, the module is marked completed with a
// reference to the record. Submissions for modules never recommended are
// scored and stored but complete nothing.
//
// The record is saved before the module update. Once saved it is returned
// even if the completion fails; the failure is logged and CompleteModule can
// be retried with the record id, so a client never has to resubmit.
func (s *Service) SubmitQuestionnaire(ctx context.Context, conversationID, questionnaireID string, answers model.Answers) (model.ScoreRecord, error) {
	if conversationID != "" {
		if err := validateID(conversationID); err != nil {
			return model.ScoreRecord{}, err
		}
	}
	def, err := s.catalog.Questionnaire(questionnaireID)
	if err != nil {
		return model.ScoreRecord{}, fmt.Errorf("turns: submit: %w", err)
	}
	ctx, span := s.tracer.Start(ctx, "turns.SubmitQuestionnaire", trace.WithAttributes(
		attribute.String("kokoro.conversation_id", conversationID),
		attribute.String("kokoro.questionnaire_id", questionnaireID),
	))
	defer span.End()

	result, err := s.scorer.Score(def, answers)
	if err != nil {
		return model.ScoreRecord{}, fmt.Errorf("turns: submit %s: %w", questionnaireID, err)
	}
	rec := model.ScoreRecord{
		ID:              uuid.New(),
		ConversationID:  conversationID,
		QuestionnaireID: questionnaireID,
		Answers:         answers,
		Result:          result,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.SaveScore(ctx, rec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.ScoreRecord{}, fmt.Errorf("turns: submit %s: %w", questionnaireID, err)
	}

	if conversationID == "" {
		return rec, nil
	}
	mod, ok := s.catalog.ModuleCatalog().ForQuestionnaire(questionnaireID)
	if !ok {
		return rec, nil
	}
	data := map[string]any{
		"score_record_id": rec.ID.String(),
		"total_score":     result.TotalScore,
	}
	if result.Interpretation != nil {
		data["level"] = result.Interpretation.Level
	}
	_, err = s.update(ctx, conversationID, func(c *model.Conversation) error {
		if !c.ModuleStatus.Recommended(mod.ID) {
			return errNoChange
		}
		changed, err := modules.MarkCompleted(c.ModuleStatus, mod.ID, data, rec.CreatedAt)
		if err != nil {
			return err
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("turns: score saved but module completion failed",
			"conversation_id", conversationID,
			"module_id", mod.ID,
			"score_record_id", rec.ID,
			"error", err,
		)
	}
	return rec, nil
}

// Conversation returns the stored document.
func (s *Service) Conversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if err := validateID(conversationID); err != nil {
		return nil, err
	}
	c, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("turns: conversation: %w", err)
	}
	return c, nil
}

// SetReminderOptOut records the user's reminder preference. The gate applies
// it from the next turn on.
func (s *Service) SetReminderOptOut(ctx context.Context, conversationID string, optedOut bool) (model.GateTally, error) {
	if err := validateID(conversationID); err != nil {
		return model.GateTally{}, err
	}
	c, err := s.update(ctx, conversationID, func(c *model.Conversation) error {
		c.Gate.OptedOut = optedOut
		return nil
	})
	if err != nil {
		return model.GateTally{}, fmt.Errorf("turns: reminder opt-out %s: %w", conversationID, err)
	}
	return c.Gate, nil
}

// Score returns one stored score record.
func (s *Service) Score(ctx context.Context, id uuid.UUID) (model.ScoreRecord, error) {
	rec, err := s.store.GetScore(ctx, id)
	if err != nil {
		return model.ScoreRecord{}, fmt.Errorf("turns: score: %w", err)
	}
	return rec, nil
}

// Scores returns the score records of a conversation, oldest first.
func (s *Service) Scores(ctx context.Context, conversationID string) ([]model.ScoreRecord, error) {
	recs, err := s.store.ListScores(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("turns: scores: %w", err)
	}
	return recs, nil
}

// TurnInput is one message of a batch.
type TurnInput struct {
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	At             time.Time `json:"at"`
}

// ProcessBatch processes inputs and returns results in input order. Turns of
// one conversation run sequentially in input order; different conversations
// run in parallel, at most BatchLimit at a time. The first error cancels the
// remaining work.
func (s *Service) ProcessBatch(ctx context.Context, inputs []TurnInput) ([]TurnResult, error) {
	results := make([]TurnResult, len(inputs))
	var order []string
	groups := make(map[string][]int)
	for i, in := range inputs {
		if _, ok := groups[in.ConversationID]; !ok {
			order = append(order, in.ConversationID)
		}
		groups[in.ConversationID] = append(groups[in.ConversationID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchLimit)
	for _, id := range order {
		idx := groups[id]
		g.Go(func() error {
			for _, i := range idx {
				r, err := s.ProcessTurn(gctx, inputs[i].ConversationID, inputs[i].Text, inputs[i].At)
				if err != nil {
					return fmt.Errorf("turns: batch item %d: %w", i, err)
				}
				results[i] = r
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
