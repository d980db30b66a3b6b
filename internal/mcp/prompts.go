package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// turn-protocol: system prompt snippet for agents driving the engine.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("turn-protocol",
			mcplib.WithPromptDescription("System prompt snippet explaining how to call kokoro on every user turn and act on the result"),
		),
		s.handleTurnProtocolPrompt,
	)

	// offer-module: how to introduce one recommended module.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("offer-module",
			mcplib.WithPromptDescription("Guide for offering a surfaced module to the user and recording the outcome"),
			mcplib.WithArgument("conversation_id",
				mcplib.ArgumentDescription("Conversation the module was surfaced in"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("module_id",
				mcplib.ArgumentDescription("The surfaced module id"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleOfferModulePrompt,
	)
}

const turnProtocol = `You are supported by kokoro, an engine that tracks the emotional course of this conversation.

ON EVERY USER MESSAGE, before replying:
  CALL kokoro_process_turn with the conversation_id and the user's text verbatim.

THEN, in this order:
1. If risk.alert_due is true, stop and follow your crisis protocol. Do not offer
   exercises in the same reply. A strong level means the user may be in danger.
2. If surfaced is present, you may offer that one module. Never offer more than
   one per reply. After offering it, CALL kokoro_recommend_module.
3. If gate.reminder_due is true, gently mention that a summary report is
   available. If the user says they do not want reminders, CALL
   kokoro_reminder_opt_out with opted_out=true.

WHEN THE USER FINISHES A MODULE:
  If the module has a questionnaire, CALL kokoro_submit_questionnaire with the
  conversation_id so the module is marked complete. Otherwise CALL
  kokoro_complete_module.

Read kokoro://modules for the module list and kokoro://questionnaires for the
questions to ask.`

func (s *Server) handleTurnProtocolPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "How to drive kokoro from a support conversation",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: turnProtocol,
				},
			},
		},
	}, nil
}

func (s *Server) handleOfferModulePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	conversationID := request.Params.Arguments["conversation_id"]
	moduleID := request.Params.Arguments["module_id"]
	if conversationID == "" || moduleID == "" {
		return nil, fmt.Errorf("conversation_id and module_id arguments are required")
	}
	mod, err := s.svc.Catalog().ModuleCatalog().Get(moduleID)
	if err != nil {
		return nil, fmt.Errorf("mcp: offer-module: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Offer the %q exercise (%s) to the user in one or two warm sentences.\n\n", mod.Name, mod.ID)
	b.WriteString("Make it an invitation, not an instruction. Accept a refusal without pushing.\n\n")
	fmt.Fprintf(&b, "CALL kokoro_recommend_module with conversation_id=%q and module_id=%q once you have offered it.\n", conversationID, mod.ID)
	if mod.QuestionnaireID != "" {
		q, err := s.svc.Catalog().Questionnaire(mod.QuestionnaireID)
		if err != nil {
			return nil, fmt.Errorf("mcp: offer-module: %w", err)
		}
		fmt.Fprintf(&b, "\nThe exercise is the %q questionnaire (%d questions). Ask the questions one at a time, then ", q.Name, len(q.Questions))
		fmt.Fprintf(&b, "CALL kokoro_submit_questionnaire with questionnaire_id=%q and conversation_id=%q.\n", q.ID, conversationID)
	} else {
		fmt.Fprintf(&b, "\nWhen the user has finished, CALL kokoro_complete_module with conversation_id=%q and module_id=%q.\n", conversationID, mod.ID)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Offer module %s", mod.ID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: b.String(),
				},
			},
		},
	}, nil
}
