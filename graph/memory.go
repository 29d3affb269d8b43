package graph

import (
	"context"
	"sync"
)

// Memory keeps the graph in process. It backs tests and dry runs.
type Memory struct {
	mu         sync.Mutex
	Documents  map[string]DocumentNode
	Entities   map[string]EntityNode
	Faces      map[string]FaceNode
	Mentions   map[[2]string]int
	SamePerson map[[2]string]float64
	// Fail, when set, is returned by every write.
	Fail error
}

// NewMemory returns an empty in-process graph.
func NewMemory() *Memory {
	return &Memory{
		Documents:  make(map[string]DocumentNode),
		Entities:   make(map[string]EntityNode),
		Faces:      make(map[string]FaceNode),
		Mentions:   make(map[[2]string]int),
		SamePerson: make(map[[2]string]float64),
	}
}

func (m *Memory) UpsertDocumentNode(_ context.Context, d DocumentNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Documents[d.ID] = d
	return nil
}

func (m *Memory) UpsertEntityNode(_ context.Context, e EntityNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Entities[e.ID] = e
	return nil
}

func (m *Memory) UpsertMentionEdge(_ context.Context, entityID, documentID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Mentions[[2]string{entityID, documentID}] = count
	return nil
}

func (m *Memory) UpsertFaceNode(_ context.Context, f FaceNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Faces[f.ID] = f
	return nil
}

// UpsertSamePersonEdge stores the undirected edge under its sorted key.
func (m *Memory) UpsertSamePersonEdge(_ context.Context, faceA, faceB string, similarity float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if faceB < faceA {
		faceA, faceB = faceB, faceA
	}
	m.SamePerson[[2]string{faceA, faceB}] = similarity
	return nil
}

func (m *Memory) DeleteDocumentFaces(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	for id, f := range m.Faces {
		if f.DocumentID == documentID {
			m.deleteFace(id)
		}
	}
	return nil
}

func (m *Memory) DeleteFaceNodes(_ context.Context, faceIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	for _, id := range faceIDs {
		m.deleteFace(id)
	}
	return nil
}

// deleteFace removes a face and the edges touching it. Callers hold mu.
func (m *Memory) deleteFace(id string) {
	delete(m.Faces, id)
	for k := range m.SamePerson {
		if k[0] == id || k[1] == id {
			delete(m.SamePerson, k)
		}
	}
}

func (m *Memory) ClearSamePersonEdges(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	clear(m.SamePerson)
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }

// EdgeCount returns the number of SAME_PERSON edges.
func (m *Memory) EdgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SamePerson)
}
