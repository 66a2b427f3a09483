package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agent-console/server/internal/apperr"
)

const agentSelect = `SELECT id, name, agent_type, command_template, continue_template, headless_template, description, is_built_in, asking_patterns, created_at, updated_at FROM agent_definitions`

// validateAgentTemplates enforces the Agent Definition invariant that
// command_template must contain the {{prompt}} placeholder, and that
// headless_template must too when it is set at all: a template
// omitting it would spawn a process that silently ignores the
// session's prompt.
func validateAgentTemplates(a AgentDefinition) error {
	if !strings.Contains(a.CommandTemplate, "{{prompt}}") {
		return apperr.New(apperr.Validation, "commandTemplate must contain {{prompt}}")
	}
	if a.HeadlessTemplate != "" && !strings.Contains(a.HeadlessTemplate, "{{prompt}}") {
		return apperr.New(apperr.Validation, "headlessTemplate must contain {{prompt}}")
	}
	return nil
}

// CreateAgentDefinition inserts a new agent definition row.
func (s *Store) CreateAgentDefinition(a AgentDefinition) (AgentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateAgentTemplates(a); err != nil {
		return AgentDefinition{}, err
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AgentType == "" {
		a.AgentType = AgentTypeCustom
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	patterns, err := json.Marshal(a.AskingPatterns)
	if err != nil {
		return AgentDefinition{}, apperr.Wrap(apperr.Internal, "marshal asking patterns", err)
	}

	isBuiltIn := 0
	if a.IsBuiltIn {
		isBuiltIn = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO agent_definitions (id, name, agent_type, command_template, continue_template, headless_template, description, is_built_in, asking_patterns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(a.AgentType), a.CommandTemplate, a.ContinueTemplate, a.HeadlessTemplate, a.Description, isBuiltIn, string(patterns),
		a.CreatedAt.Format(time.RFC3339), a.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return AgentDefinition{}, wrapWriteErr("create agent definition", err)
	}
	return a, nil
}

// GetAgentDefinition returns an agent definition by id.
func (s *Store) GetAgentDefinition(id string) (AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := scanAgent(s.db.QueryRow(agentSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return AgentDefinition{}, apperr.New(apperr.NotFound, "agent not found")
	}
	return a, err
}

// ListAgentDefinitions returns every registered agent definition.
func (s *Store) ListAgentDefinitions() ([]AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(agentSelect + " ORDER BY created_at ASC")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list agents", err)
	}
	defer rows.Close()

	var out []AgentDefinition
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan agent", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentDefinition applies a partial update.
func (s *Store) UpdateAgentDefinition(id string, update func(*AgentDefinition)) (AgentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := scanAgent(s.db.QueryRow(agentSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return AgentDefinition{}, apperr.New(apperr.NotFound, "agent not found")
	}
	if err != nil {
		return AgentDefinition{}, err
	}
	update(&a)
	if err := validateAgentTemplates(a); err != nil {
		return AgentDefinition{}, err
	}
	a.UpdatedAt = time.Now().UTC()

	patterns, err := json.Marshal(a.AskingPatterns)
	if err != nil {
		return AgentDefinition{}, apperr.Wrap(apperr.Internal, "marshal asking patterns", err)
	}
	isBuiltIn := 0
	if a.IsBuiltIn {
		isBuiltIn = 1
	}

	_, err = s.db.Exec(`
		UPDATE agent_definitions SET name=?, agent_type=?, command_template=?, continue_template=?, headless_template=?, description=?, is_built_in=?, asking_patterns=?, updated_at=?
		WHERE id=?`,
		a.Name, string(a.AgentType), a.CommandTemplate, a.ContinueTemplate, a.HeadlessTemplate, a.Description, isBuiltIn, string(patterns),
		a.UpdatedAt.Format(time.RFC3339), id,
	)
	if err != nil {
		return AgentDefinition{}, wrapWriteErr("update agent definition", err)
	}
	return a, nil
}

// DeleteAgentDefinition removes an agent definition row. The caller
// (Session Manager) is responsible for the referential conflict check
// and the built-in-undeletable rule before calling this.
func (s *Store) DeleteAgentDefinition(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM agent_definitions WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "delete agent", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.NotFound, "agent not found")
	}
	return nil
}

func scanAgent(row rowScanner) (AgentDefinition, error) {
	var a AgentDefinition
	var agentType, patterns, created, updated string
	var isBuiltIn int
	err := row.Scan(&a.ID, &a.Name, &agentType, &a.CommandTemplate, &a.ContinueTemplate, &a.HeadlessTemplate, &a.Description, &isBuiltIn, &patterns, &created, &updated)
	if err != nil {
		return AgentDefinition{}, err
	}
	a.AgentType = AgentType(agentType)
	a.IsBuiltIn = isBuiltIn != 0
	_ = json.Unmarshal([]byte(patterns), &a.AskingPatterns)
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return a, nil
}
