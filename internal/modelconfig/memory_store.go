package modelconfig

import (
	"context"
	"sync"
)

// MemoryStore keeps documents in process. UpdateGatewayConfig holds the
// store lock for the duration of fn.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// Put stores doc verbatim, for seeding legacy documents.
func (s *MemoryStore) Put(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Body = append([]byte(nil), doc.Body...)
	s.docs[doc.TenantID] = doc
}

func (s *MemoryStore) LoadGatewayConfig(_ context.Context, tenantID string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[tenantID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	doc.Body = append([]byte(nil), doc.Body...)
	return &doc, nil
}

func (s *MemoryStore) UpsertMigratedGatewayConfig(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.docs[doc.TenantID]; ok && cur.SchemaVersion >= doc.SchemaVersion {
		return nil
	}
	stored := *doc
	stored.Body = append([]byte(nil), doc.Body...)
	s.docs[doc.TenantID] = stored
	return nil
}

func (s *MemoryStore) UpdateGatewayConfig(_ context.Context, tenantID string, fn func(current *Document) (*Document, error)) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *Document
	if doc, ok := s.docs[tenantID]; ok {
		doc.Body = append([]byte(nil), doc.Body...)
		current = &doc
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if current != nil && next.SchemaVersion < current.SchemaVersion {
		next.SchemaVersion = current.SchemaVersion
	}
	stored := *next
	stored.TenantID = tenantID
	stored.Body = append([]byte(nil), next.Body...)
	s.docs[tenantID] = stored
	return next, nil
}
