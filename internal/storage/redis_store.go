package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"tg-imagebot/internal/models"
)

const historyLimit = 200

// RedisStore keeps moderation state in Redis. Keys:
//
//	<prefix>ban:<user>        JSON BanRecord
//	<prefix>bans              set of banned users
//	<prefix>warnings:<user>   list of JSON WarningRecord, oldest first
//	<prefix>warned            set of users with warnings
//	<prefix>words             set of runtime banned words
//	<prefix>history:<user>    list of JSON GenerationRecord, newest first
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) banKey(userID string) string     { return s.prefix + "ban:" + userID }
func (s *RedisStore) warningKey(userID string) string { return s.prefix + "warnings:" + userID }
func (s *RedisStore) historyKey(userID string) string { return s.prefix + "history:" + userID }
func (s *RedisStore) bansKey() string                 { return s.prefix + "bans" }
func (s *RedisStore) warnedKey() string               { return s.prefix + "warned" }
func (s *RedisStore) wordsKey() string                { return s.prefix + "words" }

func (s *RedisStore) GetBan(ctx context.Context, userID string) (*models.BanRecord, error) {
	raw, err := s.client.Get(ctx, s.banKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record models.BanRecord
	if err := sonic.UnmarshalString(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *RedisStore) SetBan(ctx context.Context, userID, reason string) error {
	raw, err := sonic.MarshalString(&models.BanRecord{UserID: userID, Reason: reason, BannedAt: time.Now()})
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.banKey(userID), raw, 0)
		pipe.SAdd(ctx, s.bansKey(), userID)
		return nil
	})
	return err
}

func (s *RedisStore) ClearBan(ctx context.Context, userID string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.banKey(userID))
		pipe.SRem(ctx, s.bansKey(), userID)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func (s *RedisStore) GetWarnings(ctx context.Context, userID string) ([]models.WarningRecord, error) {
	raws, err := s.client.LRange(ctx, s.warningKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeWarnings(raws)
}

func (s *RedisStore) AppendWarning(ctx context.Context, userID string, rec models.WarningRecord) error {
	rec.UserID = userID
	if rec.WarnedAt.IsZero() {
		rec.WarnedAt = time.Now()
	}
	raw, err := sonic.MarshalString(&rec)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.warningKey(userID), raw)
		pipe.SAdd(ctx, s.warnedKey(), userID)
		return nil
	})
	return err
}

func (s *RedisStore) ClearWarnings(ctx context.Context, userID string) (int, error) {
	var length *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.LLen(ctx, s.warningKey(userID))
		pipe.Del(ctx, s.warningKey(userID))
		pipe.SRem(ctx, s.warnedKey(), userID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(length.Val()), nil
}

func (s *RedisStore) ListBans(ctx context.Context) ([]models.BanRecord, error) {
	users, err := s.client.SMembers(ctx, s.bansKey()).Result()
	if err != nil {
		return nil, err
	}

	records := make([]models.BanRecord, 0, len(users))
	for _, userID := range users {
		record, err := s.GetBan(ctx, userID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, *record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].BannedAt.Before(records[j].BannedAt)
	})
	return records, nil
}

func (s *RedisStore) ListAllWarnings(ctx context.Context) (map[string][]models.WarningRecord, error) {
	users, err := s.client.SMembers(ctx, s.warnedKey()).Result()
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]models.WarningRecord, len(users))
	for _, userID := range users {
		warnings, err := s.GetWarnings(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(warnings) > 0 {
			grouped[userID] = warnings
		}
	}
	return grouped, nil
}

// CommitViolation watches the user's ban and warning keys; a concurrent write
// to either aborts the transaction with redis.TxFailedErr, reported as ErrConflict
func (s *RedisStore) CommitViolation(ctx context.Context, v Violation) error {
	if err := v.validate(); err != nil {
		return err
	}

	banKey, warningKey := s.banKey(v.UserID), s.warningKey(v.UserID)

	var payload string
	var err error
	if v.Warning != nil {
		rec := *v.Warning
		rec.UserID = v.UserID
		payload, err = sonic.MarshalString(&rec)
	} else {
		ban := *v.Ban
		ban.UserID = v.UserID
		payload, err = sonic.MarshalString(&ban)
	}
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		banned, err := tx.Exists(ctx, banKey).Result()
		if err != nil {
			return err
		}
		count, err := tx.LLen(ctx, warningKey).Result()
		if err != nil {
			return err
		}
		if banned > 0 || int(count) != v.ExpectedWarnings {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if v.Warning != nil {
				pipe.RPush(ctx, warningKey, payload)
				pipe.SAdd(ctx, s.warnedKey(), v.UserID)
			} else {
				pipe.Set(ctx, banKey, payload, 0)
				pipe.SAdd(ctx, s.bansKey(), v.UserID)
			}
			return nil
		})
		return err
	}, banKey, warningKey)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) BannedWords(ctx context.Context) ([]string, error) {
	words, err := s.client.SMembers(ctx, s.wordsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(words)
	return words, nil
}

func (s *RedisStore) AddBannedWord(ctx context.Context, word string) error {
	return s.client.SAdd(ctx, s.wordsKey(), word).Err()
}

func (s *RedisStore) RemoveBannedWord(ctx context.Context, word string) (bool, error) {
	n, err := s.client.SRem(ctx, s.wordsKey(), word).Result()
	return n > 0, err
}

// SaveGeneration prepends the record to the user's capped history list
func (s *RedisStore) SaveGeneration(ctx context.Context, rec *models.GenerationRecord) error {
	raw, err := sonic.MarshalString(rec)
	if err != nil {
		return err
	}

	key := s.historyKey(rec.UserID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, raw)
		pipe.LTrim(ctx, key, 0, historyLimit-1)
		return nil
	})
	return err
}

func (s *RedisStore) RecentGenerations(ctx context.Context, userID string, limit int) ([]models.GenerationRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	raws, err := s.client.LRange(ctx, s.historyKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]models.GenerationRecord, 0, len(raws))
	for _, raw := range raws {
		var rec models.GenerationRecord
		if err := sonic.UnmarshalString(raw, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeWarnings(raws []string) ([]models.WarningRecord, error) {
	records := make([]models.WarningRecord, 0, len(raws))
	for _, raw := range raws {
		var rec models.WarningRecord
		if err := sonic.UnmarshalString(raw, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
