package moderation

import (
	"context"
	"fmt"
	"strings"

	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/models"
)

// LoadWords merges the words persisted at runtime into the filter
func (g *Gate) LoadWords(ctx context.Context) error {
	stored, err := g.store.BannedWords(ctx)
	if err != nil {
		return fmt.Errorf("failed to load banned words: %w", err)
	}
	for _, w := range stored {
		g.filter.Add(w)
	}
	logger.Infof("Loaded %d banned words (%d persisted)", len(g.filter.Words()), len(stored))
	return nil
}

// ReloadWords replaces the configured word list and keeps runtime additions
func (g *Gate) ReloadWords(ctx context.Context, configured []string) error {
	stored, err := g.store.BannedWords(ctx)
	if err != nil {
		return fmt.Errorf("failed to load banned words: %w", err)
	}

	g.filter.Replace(append(append([]string(nil), configured...), stored...))
	return nil
}

func (g *Gate) BannedWords() []string {
	return g.filter.Words()
}

// AddBannedWord persists word and activates it immediately
func (g *Gate) AddBannedWord(ctx context.Context, word string) (bool, error) {
	word = normalize(word)
	if word == "" {
		return false, fmt.Errorf("banned word must not be empty")
	}
	if err := g.store.AddBannedWord(ctx, word); err != nil {
		return false, err
	}
	return g.filter.Add(word), nil
}

// RemoveBannedWord drops word from the store and the filter. Words from the
// configuration file come back on the next reload.
func (g *Gate) RemoveBannedWord(ctx context.Context, word string) (bool, error) {
	word = normalize(word)
	if _, err := g.store.RemoveBannedWord(ctx, word); err != nil {
		return false, err
	}
	return g.filter.Remove(word), nil
}

// Ban bans a user by hand
func (g *Gate) Ban(ctx context.Context, userID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "banned by administrator"
	}
	if err := g.store.SetBan(ctx, userID, reason); err != nil {
		return err
	}
	logger.Infof("User %s banned by administrator: %s", userID, reason)
	return nil
}

// Unban lifts a ban; warnings are kept
func (g *Gate) Unban(ctx context.Context, userID string) (bool, error) {
	removed, err := g.store.ClearBan(ctx, userID)
	if err != nil {
		return false, err
	}
	if removed {
		logger.Infof("User %s unbanned", userID)
	}
	return removed, nil
}

// BanInfo returns the user's ban, nil if the user is not banned
func (g *Gate) BanInfo(ctx context.Context, userID string) (*models.BanRecord, error) {
	return g.store.GetBan(ctx, userID)
}

func (g *Gate) ListBans(ctx context.Context) ([]models.BanRecord, error) {
	return g.store.ListBans(ctx)
}

func (g *Gate) Warnings(ctx context.Context, userID string) ([]models.WarningRecord, error) {
	return g.store.GetWarnings(ctx, userID)
}

func (g *Gate) AllWarnings(ctx context.Context) (map[string][]models.WarningRecord, error) {
	return g.store.ListAllWarnings(ctx)
}

// ClearWarnings resets the user's warning count and returns how many were removed
func (g *Gate) ClearWarnings(ctx context.Context, userID string) (int, error) {
	n, err := g.store.ClearWarnings(ctx, userID)
	if err != nil {
		return 0, err
	}
	logger.Infof("Cleared %d warnings for user %s", n, userID)
	return n, nil
}

// WarningStatus describes a warning count the way admins see it
func WarningStatus(count, threshold int) string {
	switch {
	case count >= threshold:
		return "Final Warning"
	case count == 1:
		return "Active - First Warning"
	default:
		return fmt.Sprintf("Active - %d/%d warnings", count, threshold)
	}
}
