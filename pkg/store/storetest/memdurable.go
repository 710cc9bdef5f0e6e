// Package storetest provides an in-memory Durable implementation shared
// by tests across packages.
package storetest

import (
	"context"
	"sync"

	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
)

// MemDurable is an in-memory store.Durable. Zero dependencies on a real
// database; counters expose load/save traffic for cache assertions.
type MemDurable struct {
	Mu       sync.Mutex
	Contexts map[string]*models.ProjectContext
	Projects map[string]string
	Messages map[string][]models.Message

	Loads   int
	Saves   int
	SaveErr error
	// RequireFK mimics the projects foreign key: saving a context for an
	// unknown project fails with NotFound.
	RequireFK bool
}

func NewMemDurable() *MemDurable {
	return &MemDurable{
		Contexts: make(map[string]*models.ProjectContext),
		Projects: make(map[string]string),
		Messages: make(map[string][]models.Message),
	}
}

func (m *MemDurable) LoadContext(_ context.Context, projectID string) (*models.ProjectContext, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Loads++
	pc, ok := m.Contexts[projectID]
	if !ok {
		return nil, faults.NotFound("context for project %s not found", projectID)
	}
	return pc.Clone(), nil
}

func (m *MemDurable) SaveContext(_ context.Context, pc *models.ProjectContext) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.RequireFK {
		if _, ok := m.Projects[pc.ProjectID]; !ok {
			return faults.NotFound("project %s does not exist", pc.ProjectID)
		}
	}
	m.Saves++
	m.Contexts[pc.ProjectID] = pc.Clone()
	return nil
}

func (m *MemDurable) ProjectExists(_ context.Context, projectID string) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	_, ok := m.Projects[projectID]
	return ok, nil
}

func (m *MemDurable) UpsertProject(_ context.Context, projectID, name string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if name == "" {
		if _, ok := m.Projects[projectID]; ok {
			return nil
		}
		name = "Untitled Project"
	}
	m.Projects[projectID] = name
	return nil
}

func (m *MemDurable) GetProjectName(_ context.Context, projectID string) (string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	name, ok := m.Projects[projectID]
	if !ok {
		return "", faults.NotFound("project %s not found", projectID)
	}
	return name, nil
}

func (m *MemDurable) AppendMessages(_ context.Context, projectID string, msgs []models.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	for _, msg := range msgs {
		replaced := false
		for i, existing := range m.Messages[projectID] {
			if existing.ID == msg.ID {
				m.Messages[projectID][i] = msg
				replaced = true
				break
			}
		}
		if !replaced {
			m.Messages[projectID] = append(m.Messages[projectID], msg)
		}
	}
	return nil
}

func (m *MemDurable) ListMessages(_ context.Context, projectID string) ([]models.Message, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]models.Message(nil), m.Messages[projectID]...), nil
}
