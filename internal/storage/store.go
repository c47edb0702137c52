package storage

import (
	"context"
	"errors"

	"tg-imagebot/internal/models"
)

var (
	// ErrConflict is returned by CommitViolation when the user's state changed
	// between the read and the write. Callers re-read and retry.
	ErrConflict = errors.New("storage: concurrent modification")

	// ErrInvalidViolation is returned when a Violation carries neither or both outcomes.
	ErrInvalidViolation = errors.New("storage: violation must carry exactly one of warning or ban")
)

// Violation is a warning or a ban that only applies while the user still has
// ExpectedWarnings warnings and no active ban.
type Violation struct {
	UserID           string
	ExpectedWarnings int
	Warning          *models.WarningRecord
	Ban              *models.BanRecord
}

func (v Violation) validate() error {
	if (v.Warning == nil) == (v.Ban == nil) {
		return ErrInvalidViolation
	}
	return nil
}

// Store persists ban and warning records keyed by user.
type Store interface {
	// GetBan returns nil without error when the user is not banned.
	GetBan(ctx context.Context, userID string) (*models.BanRecord, error)
	// SetBan creates or replaces the user's ban.
	SetBan(ctx context.Context, userID, reason string) error
	ClearBan(ctx context.Context, userID string) (bool, error)
	// GetWarnings returns the user's warnings in insertion order.
	GetWarnings(ctx context.Context, userID string) ([]models.WarningRecord, error)
	AppendWarning(ctx context.Context, userID string, rec models.WarningRecord) error
	ClearWarnings(ctx context.Context, userID string) (int, error)
	ListBans(ctx context.Context) ([]models.BanRecord, error)
	ListAllWarnings(ctx context.Context) (map[string][]models.WarningRecord, error)

	// CommitViolation applies v atomically or returns ErrConflict.
	CommitViolation(ctx context.Context, v Violation) error

	BannedWords(ctx context.Context) ([]string, error)
	AddBannedWord(ctx context.Context, word string) error
	RemoveBannedWord(ctx context.Context, word string) (bool, error)
}

// HistoryStore archives finished generation requests.
type HistoryStore interface {
	SaveGeneration(ctx context.Context, rec *models.GenerationRecord) error
	// RecentGenerations returns up to limit records for the user, newest first.
	RecentGenerations(ctx context.Context, userID string, limit int) ([]models.GenerationRecord, error)
}
