package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	modulesURI          = "kokoro://modules"
	questionnairesURI   = "kokoro://questionnaires"
	conversationPrefix  = "kokoro://conversations/"
	conversationURITmpl = "kokoro://conversations/{id}"
)

func (s *Server) registerResources() {
	// kokoro://modules: the exercise module catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			modulesURI,
			"Modules",
			mcplib.WithResourceDescription("Exercise modules the engine can recommend, with their triggers and questionnaires"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleModules,
	)

	// kokoro://questionnaires: questionnaire definitions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			questionnairesURI,
			"Questionnaires",
			mcplib.WithResourceDescription("Questionnaires with questions, answer ranges and interpretation bands"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleQuestionnaires,
	)

	// kokoro://conversations/{id}: stored state of one conversation.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			conversationURITmpl,
			"Conversation",
			mcplib.WithTemplateDescription("Aggregates, state, patterns and module status of a conversation"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleConversationResource,
	)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleModules(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(modulesURI, s.svc.Catalog().ModuleCatalog().List())
}

func (s *Server) handleQuestionnaires(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(questionnairesURI, s.svc.Catalog().Questionnaires)
}

func (s *Server) handleConversationResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseConversationURI(uri)
	if err != nil {
		return nil, err
	}
	c, err := s.svc.Conversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: conversation %s: %w", id, err)
	}
	return jsonResource(uri, c)
}

// parseConversationURI extracts the conversation id from
// kokoro://conversations/{id}.
func parseConversationURI(uri string) (string, error) {
	id, ok := strings.CutPrefix(uri, conversationPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid conversation URI: %s", uri)
	}
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid conversation URI: %s: empty or nested id", uri)
	}
	return id, nil
}
