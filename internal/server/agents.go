package server

import (
	"net/http"
	"strings"

	"github.com/agent-console/server/internal/activity"
	"github.com/agent-console/server/internal/apperr"
	"github.com/agent-console/server/internal/store"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListAgentDefinitions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": list})
}

type agentRequest struct {
	Name             string   `json:"name"`
	AgentType        string   `json:"agentType"`
	CommandTemplate  string   `json:"commandTemplate"`
	ContinueTemplate string   `json:"continueTemplate"`
	HeadlessTemplate string   `json:"headlessTemplate"`
	Description      string   `json:"description"`
	AskingPatterns   []string `json:"askingPatterns"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CommandTemplate == "" {
		writeError(w, apperr.New(apperr.Validation, "commandTemplate is required"))
		return
	}
	if !strings.Contains(req.CommandTemplate, "{{prompt}}") {
		writeError(w, apperr.New(apperr.Validation, "commandTemplate must contain {{prompt}}"))
		return
	}
	if req.HeadlessTemplate != "" && !strings.Contains(req.HeadlessTemplate, "{{prompt}}") {
		writeError(w, apperr.New(apperr.Validation, "headlessTemplate must contain {{prompt}}"))
		return
	}
	if _, err := activity.CompilePatterns(req.AskingPatterns); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.store.CreateAgentDefinition(store.AgentDefinition{
		Name: req.Name, AgentType: store.AgentType(req.AgentType), CommandTemplate: req.CommandTemplate,
		ContinueTemplate: req.ContinueTemplate, HeadlessTemplate: req.HeadlessTemplate,
		Description: req.Description, AskingPatterns: req.AskingPatterns,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.PublishAgentCreated(agent)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"agent": agent})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgentDefinition(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent": agent})
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CommandTemplate != "" && !strings.Contains(req.CommandTemplate, "{{prompt}}") {
		writeError(w, apperr.New(apperr.Validation, "commandTemplate must contain {{prompt}}"))
		return
	}
	if req.HeadlessTemplate != "" && !strings.Contains(req.HeadlessTemplate, "{{prompt}}") {
		writeError(w, apperr.New(apperr.Validation, "headlessTemplate must contain {{prompt}}"))
		return
	}
	if req.AskingPatterns != nil {
		if _, err := activity.CompilePatterns(req.AskingPatterns); err != nil {
			writeError(w, err)
			return
		}
	}
	agent, err := s.store.UpdateAgentDefinition(r.PathValue("id"), func(a *store.AgentDefinition) {
		if req.Name != "" {
			a.Name = req.Name
		}
		if req.AgentType != "" {
			a.AgentType = store.AgentType(req.AgentType)
		}
		if req.CommandTemplate != "" {
			a.CommandTemplate = req.CommandTemplate
		}
		if req.ContinueTemplate != "" {
			a.ContinueTemplate = req.ContinueTemplate
		}
		if req.HeadlessTemplate != "" {
			a.HeadlessTemplate = req.HeadlessTemplate
		}
		if req.Description != "" {
			a.Description = req.Description
		}
		if req.AskingPatterns != nil {
			a.AskingPatterns = req.AskingPatterns
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.PublishAgentUpdated(agent)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent": agent})
}

// handleDeleteAgent enforces the built-in-undeletable rule and the
// referential conflict check: an agent cannot be removed while any
// session — live or merely persisted — has a worker pointing at it.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.store.GetAgentDefinition(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent.IsBuiltIn {
		writeError(w, apperr.New(apperr.Conflict, "built-in agents cannot be deleted"))
		return
	}
	inUse, err := s.store.ListWorkersUsingAgent(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(inUse) > 0 {
		writeError(w, apperr.New(apperr.Conflict, "agent is referenced by existing workers"))
		return
	}
	if err := s.store.DeleteAgentDefinition(id); err != nil {
		writeError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.PublishAgentDeleted(id)
	}
	writeSuccess(w)
}
