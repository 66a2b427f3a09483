package store

import "testing"

func TestCreateAgentDefinitionRejectsTemplateMissingPrompt(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateAgentDefinition(AgentDefinition{Name: "a", CommandTemplate: "claude --resume"}); err == nil {
		t.Fatal("want error for commandTemplate missing {{prompt}}")
	}
	if _, err := s.CreateAgentDefinition(AgentDefinition{
		Name: "a", CommandTemplate: "claude {{prompt}}", HeadlessTemplate: "claude --headless",
	}); err == nil {
		t.Fatal("want error for non-empty headlessTemplate missing {{prompt}}")
	}
	if _, err := s.CreateAgentDefinition(AgentDefinition{Name: "a", CommandTemplate: "claude {{prompt}}"}); err != nil {
		t.Fatalf("want valid templates accepted, got: %v", err)
	}
}

func TestUpdateAgentDefinitionRejectsTemplateMissingPrompt(t *testing.T) {
	s := newTestStore(t)
	agent, err := s.CreateAgentDefinition(AgentDefinition{Name: "a", CommandTemplate: "claude {{prompt}}"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	if _, err := s.UpdateAgentDefinition(agent.ID, func(a *AgentDefinition) {
		a.CommandTemplate = "claude --resume"
	}); err == nil {
		t.Fatal("want error updating commandTemplate to one missing {{prompt}}")
	}

	updated, err := s.GetAgentDefinition(agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if updated.CommandTemplate != "claude {{prompt}}" {
		t.Fatalf("commandTemplate = %q, want rejected update to leave it unchanged", updated.CommandTemplate)
	}
}
