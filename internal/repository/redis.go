package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/notely/notely/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisChallengeRepository stores one JSON-encoded challenge per key with a
// TTL matching the challenge expiry, so Redis evicts expired records on its
// own. Keys are "otp:<email>:<id>"; per-email lookups walk the email's key
// prefix, which stays tiny because stale records are swept on every send.
type RedisChallengeRepository struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisChallengeRepository(client *redis.Client, logger *logrus.Logger) *RedisChallengeRepository {
	return &RedisChallengeRepository{
		client: client,
		logger: logger,
	}
}

func redisChallengeKey(email, id string) string {
	return fmt.Sprintf("otp:%s:%s", email, id)
}

func redisChallengePattern(email string) string {
	return fmt.Sprintf("otp:%s:*", email)
}

func (r *RedisChallengeRepository) Insert(ctx context.Context, challenge *models.Challenge) error {
	data, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	ttl := time.Until(challenge.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("challenge already expired at insert")
	}

	key := redisChallengeKey(challenge.Email, challenge.ID)
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		r.logger.WithError(err).Error("Failed to store challenge in Redis")
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

func (r *RedisChallengeRepository) FindActive(ctx context.Context, email, code string) (*models.Challenge, error) {
	challenges, err := r.scanChallenges(ctx, email)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var match *models.Challenge
	for _, challenge := range challenges {
		if challenge.Code != code || !challenge.Pending(now) {
			continue
		}
		if match == nil || challenge.CreatedAt.After(match.CreatedAt) {
			match = challenge
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	return match, nil
}

func (r *RedisChallengeRepository) FindLatest(ctx context.Context, email string) (*models.Challenge, error) {
	challenges, err := r.scanChallenges(ctx, email)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var latest *models.Challenge
	for _, challenge := range challenges {
		if !challenge.Pending(now) {
			continue
		}
		if latest == nil || challenge.CreatedAt.After(latest.CreatedAt) {
			latest = challenge
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (r *RedisChallengeRepository) IncrementAttempts(ctx context.Context, challenge *models.Challenge) error {
	key := redisChallengeKey(challenge.Email, challenge.ID)

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get challenge: %w", err)
	}

	var stored models.Challenge
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	stored.Attempts++
	updated, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	ttl := time.Until(stored.ExpiresAt)
	if ttl <= 0 {
		return ErrNotFound
	}
	if err := r.client.Set(ctx, key, updated, ttl).Err(); err != nil {
		return fmt.Errorf("failed to update attempts: %w", err)
	}

	challenge.Attempts = stored.Attempts
	return nil
}

// Consume deletes the challenge key; the DEL count arbitrates concurrent
// verifies, so at most one caller observes true per challenge.
func (r *RedisChallengeRepository) Consume(ctx context.Context, email, id string) (bool, error) {
	deleted, err := r.client.Del(ctx, redisChallengeKey(email, id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return deleted == 1, nil
}

func (r *RedisChallengeRepository) Delete(ctx context.Context, email, id string) error {
	if err := r.client.Del(ctx, redisChallengeKey(email, id)).Err(); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

func (r *RedisChallengeRepository) DeleteStale(ctx context.Context, email string) (int, error) {
	challenges, err := r.scanChallenges(ctx, email)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	deleted := 0
	for _, challenge := range challenges {
		if !challenge.Verified && !challenge.Expired(now) {
			continue
		}
		if err := r.Delete(ctx, email, challenge.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (r *RedisChallengeRepository) CountRecent(ctx context.Context, email string, since time.Time) (int, error) {
	challenges, err := r.scanChallenges(ctx, email)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, challenge := range challenges {
		if !challenge.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *RedisChallengeRepository) scanChallenges(ctx context.Context, email string) ([]*models.Challenge, error) {
	var challenges []*models.Challenge

	iter := r.client.Scan(ctx, 0, redisChallengePattern(email), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			// Evicted between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get challenge: %w", err)
		}

		var challenge models.Challenge
		if err := json.Unmarshal([]byte(data), &challenge); err != nil {
			return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
		}
		challenges = append(challenges, &challenge)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan challenges: %w", err)
	}
	return challenges, nil
}
