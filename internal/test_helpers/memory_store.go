package testhelpers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flipbook/internal/models"
	"flipbook/internal/storage"
)

type pageKey struct {
	id   uuid.UUID
	page int
}

// MemoryStore is an in-memory stand-in for storage.Storage that also keeps
// the history tests assert on.
type MemoryStore struct {
	mu        sync.Mutex
	magazines map[uuid.UUID]*models.Magazine
	pages     map[pageKey]*models.Page
	now       func() time.Time

	Progress      map[uuid.UUID][]int
	Statuses      map[uuid.UUID][]models.ProcessingStatus
	PathWrites    map[uuid.UUID]int
	PageDeletes   map[uuid.UUID]int
	FailOnSetPath error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		magazines:   make(map[uuid.UUID]*models.Magazine),
		pages:       make(map[pageKey]*models.Page),
		now:         time.Now,
		Progress:    make(map[uuid.UUID][]int),
		Statuses:    make(map[uuid.UUID][]models.ProcessingStatus),
		PathWrites:  make(map[uuid.UUID]int),
		PageDeletes: make(map[uuid.UUID]int),
	}
}

func clone(m *models.Magazine) *models.Magazine {
	c := *m
	if m.OriginalFilePath != nil {
		p := *m.OriginalFilePath
		c.OriginalFilePath = &p
	}
	if m.ProcessingError != nil {
		e := *m.ProcessingError
		c.ProcessingError = &e
	}
	return &c
}

func (s *MemoryStore) CreateMagazine(_ context.Context, m *models.Magazine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	slug, err := storage.MakeSlug(m.Title, func(candidate string) (bool, error) {
		for _, other := range s.magazines {
			if other.Slug == candidate {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	m.Slug = slug
	if m.ProcessingStatus == "" {
		m.ProcessingStatus = models.StatusPending
	}
	m.CreatedAt = s.now()
	m.UpdatedAt = m.CreatedAt
	s.magazines[m.ID] = clone(m)
	s.Statuses[m.ID] = append(s.Statuses[m.ID], m.ProcessingStatus)
	return nil
}

// Put stores m verbatim, timestamps included.
func (s *MemoryStore) Put(m *models.Magazine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.magazines[m.ID] = clone(m)
}

func (s *MemoryStore) GetMagazine(_ context.Context, id uuid.UUID) (*models.Magazine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.magazines[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clone(m), nil
}

func (s *MemoryStore) ListMagazines(_ context.Context, filter models.MagazineFilter) ([]*models.Magazine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Magazine
	for _, m := range s.magazines {
		if filter.Match(m) {
			out = append(out, clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteMagazine(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.magazines[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.magazines, id)
	s.deletePagesLocked(id)
	return nil
}

func (s *MemoryStore) update(id uuid.UUID, fn func(m *models.Magazine)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.magazines[id]
	if !ok {
		return models.ErrNotFound
	}
	fn(m)
	m.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetFilePath(_ context.Context, id uuid.UUID, path string) error {
	if s.FailOnSetPath != nil {
		return s.FailOnSetPath
	}
	return s.update(id, func(m *models.Magazine) {
		m.OriginalFilePath = &path
		s.PathWrites[id]++
	})
}

func (s *MemoryStore) SetFileSize(_ context.Context, id uuid.UUID, size int64) error {
	return s.update(id, func(m *models.Magazine) { m.FileSize = size })
}

func (s *MemoryStore) StartRun(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(m *models.Magazine) {
		m.ProcessingStatus = models.StatusProcessing
		m.ProcessingProgress = 0
		m.ProcessingError = nil
		s.Statuses[id] = append(s.Statuses[id], models.StatusProcessing)
		s.Progress[id] = append(s.Progress[id], 0)
	})
}

func (s *MemoryStore) SetTotalPages(_ context.Context, id uuid.UUID, total int) error {
	return s.update(id, func(m *models.Magazine) { m.TotalPages = total })
}

func (s *MemoryStore) SetProgress(_ context.Context, id uuid.UUID, progress int) error {
	return s.update(id, func(m *models.Magazine) {
		m.ProcessingProgress = progress
		s.Progress[id] = append(s.Progress[id], progress)
	})
}

func (s *MemoryStore) CompleteRun(_ context.Context, id uuid.UUID, path string, totalPages int) error {
	return s.update(id, func(m *models.Magazine) {
		m.ProcessingStatus = models.StatusCompleted
		m.ProcessingProgress = 100
		m.ProcessingError = nil
		m.TotalPages = totalPages
		m.OriginalFilePath = &path
		s.Statuses[id] = append(s.Statuses[id], models.StatusCompleted)
	})
}

func (s *MemoryStore) FailRun(_ context.Context, id uuid.UUID, message string) error {
	return s.update(id, func(m *models.Magazine) {
		m.ProcessingStatus = models.StatusFailed
		m.ProcessingError = &message
		s.Statuses[id] = append(s.Statuses[id], models.StatusFailed)
	})
}

func (s *MemoryStore) DeletePages(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletePagesLocked(id)
	s.PageDeletes[id]++
	return nil
}

func (s *MemoryStore) deletePagesLocked(id uuid.UUID) {
	for k := range s.pages {
		if k.id == id {
			delete(s.pages, k)
		}
	}
}

func (s *MemoryStore) SavePage(_ context.Context, p *models.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.magazines[p.MagazineID]; !ok {
		return models.ErrNotFound
	}
	c := *p
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.pages[pageKey{id: p.MagazineID, page: p.PageNumber}] = &c
	return nil
}

func (s *MemoryStore) ListPages(_ context.Context, id uuid.UUID) ([]*models.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Page
	for k, p := range s.pages {
		if k.id == id {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (s *MemoryStore) CountPages(ctx context.Context, id uuid.UUID) (int, error) {
	pages, err := s.ListPages(ctx, id)
	return len(pages), err
}
