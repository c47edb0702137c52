package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tg-imagebot/internal/crash"
	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/models"
	"tg-imagebot/internal/storage"
)

// ErrStoreConflict is returned when the user's moderation state kept changing
// under the gate until the retry budget ran out
var ErrStoreConflict = errors.New("moderation: store conflict")

// BanReasonPrefix starts every automatic ban reason
const BanReasonPrefix = "exceeded warning threshold: "

type Decision int

const (
	Allowed Decision = iota
	Warned
	Banned
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Warned:
		return "warned"
	case Banned:
		return "banned"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Verdict is the outcome of screening one prompt
type Verdict struct {
	Decision Decision
	// Word is the matched banned word; empty for a pre-existing ban
	Word string
	// WarningCount is the user's warning count after this evaluation
	WarningCount int
	// Reason is the stored ban reason when Decision is Banned
	Reason string
	// Preexisting marks a ban that was already in place before this prompt
	Preexisting bool
}

// Notification is sent to administrators on every warning or ban
type Notification struct {
	UserID       string
	Prompt       string
	IsWarning    bool
	BannedWord   string
	WarningCount int
	Threshold    int
}

// Notifier delivers moderation events out of band. Errors are logged and
// never change a verdict.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

type GateConfig struct {
	// Threshold is the number of warnings after which the next violation bans
	Threshold int
	// ConflictRetries bounds how often a conflicting evaluation is re-run
	ConflictRetries uint64
	// RetryInterval is the first backoff delay, doubled per retry
	RetryInterval time.Duration
	// NotifyTimeout bounds one notification delivery
	NotifyTimeout time.Duration
}

// Gate screens prompts and escalates repeat offenders from warnings to a ban
type Gate struct {
	store    storage.Store
	filter   *WordFilter
	notifier Notifier
	cfg      GateConfig
}

func NewGate(store storage.Store, filter *WordFilter, notifier Notifier, cfg GateConfig) *Gate {
	if cfg.Threshold < 1 {
		cfg.Threshold = 2
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 20 * time.Millisecond
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	return &Gate{
		store:    store,
		filter:   filter,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Threshold returns the configured warning threshold
func (g *Gate) Threshold() int {
	return g.cfg.Threshold
}

// Evaluate screens prompt for userID and records any violation
func (g *Gate) Evaluate(ctx context.Context, userID, prompt string) (Verdict, error) {
	var (
		verdict Verdict
		attempt uint64
	)

	operation := func() error {
		attempt++
		v, err := g.evaluateOnce(ctx, userID, prompt)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				logger.Debugf("Moderation state for user %s changed concurrently, attempt %d", userID, attempt)
				return err
			}
			return backoff.Permanent(err)
		}
		verdict = v
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(g.cfg.RetryInterval),
		backoff.WithMaxInterval(20*g.cfg.RetryInterval),
	), g.cfg.ConflictRetries)

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Verdict{}, fmt.Errorf("%w: user %s after %d attempts", ErrStoreConflict, userID, attempt)
		}
		return Verdict{}, fmt.Errorf("moderation of user %s failed: %w", userID, err)
	}

	if verdict.Decision != Allowed {
		g.notify(ctx, userID, prompt, verdict)
	}
	return verdict, nil
}

func (g *Gate) evaluateOnce(ctx context.Context, userID, prompt string) (Verdict, error) {
	ban, err := g.store.GetBan(ctx, userID)
	if err != nil {
		return Verdict{}, err
	}
	if ban != nil {
		return Verdict{Decision: Banned, Reason: ban.Reason, Preexisting: true}, nil
	}

	word, matched := g.filter.Scan(prompt)
	if !matched {
		return Verdict{Decision: Allowed}, nil
	}

	warnings, err := g.store.GetWarnings(ctx, userID)
	if err != nil {
		return Verdict{}, err
	}
	count := len(warnings)
	now := time.Now()

	if count < g.cfg.Threshold {
		err := g.store.CommitViolation(ctx, storage.Violation{
			UserID:           userID,
			ExpectedWarnings: count,
			Warning:          &models.WarningRecord{Prompt: prompt, BannedWord: word, WarnedAt: now},
		})
		if err != nil {
			return Verdict{}, err
		}
		logger.Infof("User %s warned for %q (%d/%d)", userID, word, count+1, g.cfg.Threshold)
		return Verdict{Decision: Warned, Word: word, WarningCount: count + 1}, nil
	}

	reason := BanReasonPrefix + word
	err = g.store.CommitViolation(ctx, storage.Violation{
		UserID:           userID,
		ExpectedWarnings: count,
		Ban:              &models.BanRecord{Reason: reason, BannedAt: now},
	})
	if err != nil {
		return Verdict{}, err
	}
	logger.Infof("User %s banned: %s", userID, reason)
	return Verdict{Decision: Banned, Word: word, WarningCount: count, Reason: reason}, nil
}

// notify hands the verdict to the notifier in the background
func (g *Gate) notify(ctx context.Context, userID, prompt string, v Verdict) {
	if g.notifier == nil {
		return
	}

	n := Notification{
		UserID:       userID,
		Prompt:       prompt,
		IsWarning:    v.Decision == Warned,
		BannedWord:   v.Word,
		WarningCount: v.WarningCount,
		Threshold:    g.cfg.Threshold,
	}
	// delivery outlives the request and never holds up the verdict
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.NotifyTimeout)
	crash.SafeGoroutine("notify-"+userID, func() {
		defer cancel()
		if err := g.notifier.Notify(deliverCtx, n); err != nil {
			logger.Warningf("Failed to notify admins about user %s: %v", userID, err)
		}
	})
}
