package mcp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
)

func (s *Server) registerTools() {
	// kokoro_process_turn: feed one user message to the engine.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_process_turn",
			mcplib.WithDescription(`Process one user message of a support conversation.

WHEN TO USE: once for every message the user sends, before you reply.

WHAT YOU GET BACK:
- signals: identity (self/part) and risk signals found in the message
- risk: level none|weak|strong, and alert_due when a risk alert should be raised now
- state: intensity, clarity and depth estimates in [0,1]
- patterns: defense mechanisms, attachment pattern, recurring themes, trajectory
- recommendations: ranked exercise modules; surfaced is the single one to offer
- gate: report_unlocked and reminder_due flags for the UI

If risk.alert_due is true, follow your crisis protocol before anything else.`),
			mcplib.WithString("conversation_id",
				mcplib.Description("Stable identifier of the conversation"),
				mcplib.Required(),
			),
			mcplib.WithString("text",
				mcplib.Description("The user's message, verbatim"),
				mcplib.Required(),
			),
			mcplib.WithString("timestamp",
				mcplib.Description("Optional RFC 3339 time the message was sent. Defaults to now."),
			),
		),
		s.handleProcessTurn,
	)

	// kokoro_recommend_module: mark a module as offered.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_recommend_module",
			mcplib.WithDescription("Mark a module as recommended to the user. Idempotent: the first recommendation time is kept."),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("conversation_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
			mcplib.WithString("module_id", mcplib.Description("Module identifier from kokoro://modules"), mcplib.Required()),
		),
		s.handleRecommendModule,
	)

	// kokoro_complete_module: record that the user finished a module.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_complete_module",
			mcplib.WithDescription("Record that the user completed a recommended module. Fails if the module was never recommended. A completed module is never recommended again."),
			mcplib.WithString("conversation_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
			mcplib.WithString("module_id", mcplib.Description("Module identifier"), mcplib.Required()),
			mcplib.WithObject("completion_data", mcplib.Description("Optional free-form data captured by the module")),
		),
		s.handleCompleteModule,
	)

	// kokoro_submit_questionnaire: score a questionnaire.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_submit_questionnaire",
			mcplib.WithDescription("Score a questionnaire. answers maps question id to value, e.g. {\"1\": 3, \"2\": 4}. When conversation_id is given and the questionnaire belongs to a recommended module, that module is marked completed."),
			mcplib.WithString("questionnaire_id", mcplib.Description("Questionnaire identifier from kokoro://questionnaires"), mcplib.Required()),
			mcplib.WithObject("answers", mcplib.Description("Question id to numeric answer"), mcplib.Required()),
			mcplib.WithString("conversation_id", mcplib.Description("Optional conversation identifier")),
		),
		s.handleSubmitQuestionnaire,
	)

	// kokoro_conversation: read the stored conversation document.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_conversation",
			mcplib.WithDescription("Return the stored state of a conversation: aggregates, state, patterns, module status and gate tally."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("conversation_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
		),
		s.handleConversation,
	)

	// kokoro_reminder_opt_out: store the user's reminder preference.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_reminder_opt_out",
			mcplib.WithDescription("Turn report reminders off (opted_out=true) or back on for a conversation."),
			mcplib.WithString("conversation_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
			mcplib.WithBoolean("opted_out", mcplib.Description("true to stop reminders"), mcplib.Required()),
		),
		s.handleReminderOptOut,
	)
}

// toolError maps a service error to a tool error result.
func toolError(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, model.ErrInvalidTransition):
		return errorResult(fmt.Sprintf("%s: invalid transition: %v", op, err))
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, model.ErrUnknownModule), errors.Is(err, model.ErrUnknownQuestionnaire):
		return errorResult(fmt.Sprintf("%s: not found: %v", op, err))
	default:
		return errorResult(fmt.Sprintf("%s failed: %v", op, err))
	}
}

func (s *Server) handleProcessTurn(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conversationID := request.GetString("conversation_id", "")
	text := request.GetString("text", "")
	if conversationID == "" {
		return errorResult("conversation_id is required"), nil
	}

	var at time.Time
	if ts := request.GetString("timestamp", ""); ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid timestamp %q: must be RFC 3339", ts)), nil
		}
		at = parsed
	}

	result, err := s.svc.ProcessTurn(ctx, conversationID, text, at)
	if err != nil {
		return toolError("process turn", err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleRecommendModule(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conversationID := request.GetString("conversation_id", "")
	moduleID := request.GetString("module_id", "")
	if conversationID == "" || moduleID == "" {
		return errorResult("conversation_id and module_id are required"), nil
	}
	progress, err := s.svc.RecommendModule(ctx, conversationID, moduleID)
	if err != nil {
		return toolError("recommend module", err), nil
	}
	return jsonResult(map[string]any{"module_id": moduleID, "progress": progress})
}

func (s *Server) handleCompleteModule(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conversationID := request.GetString("conversation_id", "")
	moduleID := request.GetString("module_id", "")
	if conversationID == "" || moduleID == "" {
		return errorResult("conversation_id and module_id are required"), nil
	}
	var data map[string]any
	if raw, ok := request.GetArguments()["completion_data"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return errorResult("completion_data must be an object"), nil
		}
		data = m
	}
	progress, err := s.svc.CompleteModule(ctx, conversationID, moduleID, data)
	if err != nil {
		return toolError("complete module", err), nil
	}
	return jsonResult(map[string]any{"module_id": moduleID, "progress": progress})
}

func (s *Server) handleSubmitQuestionnaire(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	questionnaireID := request.GetString("questionnaire_id", "")
	if questionnaireID == "" {
		return errorResult("questionnaire_id is required"), nil
	}
	answers, err := parseAnswers(request.GetArguments()["answers"])
	if err != nil {
		return errorResult(err.Error()), nil
	}
	rec, err := s.svc.SubmitQuestionnaire(ctx, request.GetString("conversation_id", ""), questionnaireID, answers)
	if err != nil {
		return toolError("submit questionnaire", err), nil
	}
	return jsonResult(rec)
}

// parseAnswers converts a JSON object with string keys into model.Answers.
func parseAnswers(raw any) (model.Answers, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("answers must be an object mapping question id to number")
	}
	answers := make(model.Answers, len(obj))
	for k, v := range obj {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("answers: question id %q is not an integer", k)
		}
		var f float64
		switch n := v.(type) {
		case float64:
			f = n
		case int:
			f = float64(n)
		case string:
			if f, err = strconv.ParseFloat(n, 64); err != nil {
				return nil, fmt.Errorf("answers: question %d: %q is not a number", id, n)
			}
		default:
			return nil, fmt.Errorf("answers: question %d: value must be a number", id)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("answers: question %d: value must be finite", id)
		}
		answers[id] = f
	}
	return answers, nil
}

func (s *Server) handleConversation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conversationID := request.GetString("conversation_id", "")
	if conversationID == "" {
		return errorResult("conversation_id is required"), nil
	}
	c, err := s.svc.Conversation(ctx, conversationID)
	if err != nil {
		return toolError("conversation", err), nil
	}
	return jsonResult(c)
}

func (s *Server) handleReminderOptOut(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conversationID := request.GetString("conversation_id", "")
	if conversationID == "" {
		return errorResult("conversation_id is required"), nil
	}
	tally, err := s.svc.SetReminderOptOut(ctx, conversationID, request.GetBool("opted_out", false))
	if err != nil {
		return toolError("reminder opt-out", err), nil
	}
	return jsonResult(tally)
}
