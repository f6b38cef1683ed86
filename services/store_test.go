package services

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeStore 内存版RecordStore，供本包测试使用
type fakeStore struct {
	mu     sync.Mutex
	seq    int
	tables map[string][]Record

	findErr   error
	createErr error
	updateErr error
	listErr   error

	createCalls int
	updateCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{tables: make(map[string][]Record)}
}

func (s *fakeStore) seed(table string, fields map[string]interface{}) *Record {
	rec, _ := s.Create(context.Background(), table, fields)
	return rec
}

// seedAt 以指定创建时间落一条记录，用于时间窗相关的测试
func (s *fakeStore) seedAt(table string, createdAt time.Time, fields map[string]interface{}) *Record {
	rec, _ := s.Create(context.Background(), table, fields)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tables[table] {
		if s.tables[table][i].ID == rec.ID {
			s.tables[table][i].CreatedTime = createdAt.UTC().Format(time.RFC3339)
			rec.CreatedTime = s.tables[table][i].CreatedTime
		}
	}
	return rec
}

func (s *fakeStore) FindFirst(ctx context.Context, table, field, value string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for i := range s.tables[table] {
		if s.tables[table][i].StringField(field) == value {
			rec := s.tables[table][i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Create(ctx context.Context, table string, fields map[string]interface{}) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.seq++
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	rec := Record{ID: fmt.Sprintf("rec%03d", s.seq), Fields: copied}
	s.tables[table] = append(s.tables[table], rec)
	return &rec, nil
}

func (s *fakeStore) Update(ctx context.Context, table, recordID string, fields map[string]interface{}) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	for i := range s.tables[table] {
		if s.tables[table][i].ID == recordID {
			for k, v := range fields {
				s.tables[table][i].Fields[k] = v
			}
			rec := s.tables[table][i]
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("record %s not found", recordID)
}

func (s *fakeStore) ListAll(ctx context.Context, table string, since time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []Record
	for _, rec := range s.tables[table] {
		if !since.IsZero() && rec.CreatedTime != "" {
			created, err := time.Parse(time.RFC3339, rec.CreatedTime)
			if err == nil && created.Before(since) {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}
