package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"tg-imagebot/internal/models"
)

// MemoryStore keeps everything in process memory; state is lost on restart
type MemoryStore struct {
	mu       sync.Mutex
	bans     map[string]models.BanRecord
	warnings map[string][]models.WarningRecord
	words    map[string]struct{}
	history  map[string][]models.GenerationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bans:     make(map[string]models.BanRecord),
		warnings: make(map[string][]models.WarningRecord),
		words:    make(map[string]struct{}),
		history:  make(map[string][]models.GenerationRecord),
	}
}

func (s *MemoryStore) GetBan(_ context.Context, userID string) (*models.BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.bans[userID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *MemoryStore) SetBan(_ context.Context, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bans[userID] = models.BanRecord{UserID: userID, Reason: reason, BannedAt: time.Now()}
	return nil
}

func (s *MemoryStore) ClearBan(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.bans[userID]
	delete(s.bans, userID)
	return ok, nil
}

func (s *MemoryStore) GetWarnings(_ context.Context, userID string) ([]models.WarningRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.WarningRecord(nil), s.warnings[userID]...), nil
}

func (s *MemoryStore) AppendWarning(_ context.Context, userID string, rec models.WarningRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendWarning(userID, rec)
	return nil
}

func (s *MemoryStore) appendWarning(userID string, rec models.WarningRecord) {
	rec.UserID = userID
	if rec.WarnedAt.IsZero() {
		rec.WarnedAt = time.Now()
	}
	s.warnings[userID] = append(s.warnings[userID], rec)
}

func (s *MemoryStore) ClearWarnings(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.warnings[userID])
	delete(s.warnings, userID)
	return n, nil
}

func (s *MemoryStore) ListBans(_ context.Context) ([]models.BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]models.BanRecord, 0, len(s.bans))
	for _, record := range s.bans {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].BannedAt.Equal(records[j].BannedAt) {
			return records[i].UserID < records[j].UserID
		}
		return records[i].BannedAt.Before(records[j].BannedAt)
	})
	return records, nil
}

func (s *MemoryStore) ListAllWarnings(_ context.Context) (map[string][]models.WarningRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grouped := make(map[string][]models.WarningRecord, len(s.warnings))
	for userID, warnings := range s.warnings {
		grouped[userID] = append([]models.WarningRecord(nil), warnings...)
	}
	return grouped, nil
}

func (s *MemoryStore) CommitViolation(_ context.Context, v Violation) error {
	if err := v.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, banned := s.bans[v.UserID]; banned || len(s.warnings[v.UserID]) != v.ExpectedWarnings {
		return ErrConflict
	}

	if v.Warning != nil {
		s.appendWarning(v.UserID, *v.Warning)
		return nil
	}

	ban := *v.Ban
	ban.UserID = v.UserID
	if ban.BannedAt.IsZero() {
		ban.BannedAt = time.Now()
	}
	s.bans[v.UserID] = ban
	return nil
}

func (s *MemoryStore) BannedWords(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	words := make([]string, 0, len(s.words))
	for word := range s.words {
		words = append(words, word)
	}
	sort.Strings(words)
	return words, nil
}

func (s *MemoryStore) AddBannedWord(_ context.Context, word string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.words[word] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveBannedWord(_ context.Context, word string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.words[word]
	delete(s.words, word)
	return ok, nil
}

func (s *MemoryStore) SaveGeneration(_ context.Context, rec *models.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.history[rec.UserID]
	for i := range records {
		if records[i].RequestID == rec.RequestID {
			records[i] = *rec
			return nil
		}
	}

	records = append([]models.GenerationRecord{*rec}, records...)
	if len(records) > historyLimit {
		records = records[:historyLimit]
	}
	s.history[rec.UserID] = records
	return nil
}

func (s *MemoryStore) RecentGenerations(_ context.Context, userID string, limit int) ([]models.GenerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.history[userID]
	if limit < len(records) {
		records = records[:max(limit, 0)]
	}
	return append([]models.GenerationRecord(nil), records...), nil
}
