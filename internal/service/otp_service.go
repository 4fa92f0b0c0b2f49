package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/notely/notely/internal/config"
	"github.com/notely/notely/internal/models"
	"github.com/notely/notely/internal/notify"
	"github.com/notely/notely/internal/otp"
	"github.com/notely/notely/internal/repository"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

// Receipt acknowledges a sent challenge. It never carries the code itself.
type Receipt struct {
	Email     string
	ExpiresIn time.Duration
}

// Verification is the result of a successful verify.
type Verification struct {
	Email      string
	VerifiedAt time.Time
}

// OTPService owns the challenge lifecycle: it is the only component that
// creates, mutates, or deletes challenge records.
type OTPService struct {
	repo   repository.ChallengeRepository
	sender notify.Sender
	cfg    *config.OTPConfig
	logger *logrus.Logger
	now    func() time.Time
}

func NewOTPService(
	repo repository.ChallengeRepository,
	sender notify.Sender,
	cfg *config.OTPConfig,
	logger *logrus.Logger,
) *OTPService {
	return &OTPService{
		repo:   repo,
		sender: sender,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// RequestOTP issues a fresh challenge for the email and delivers the code.
// Stale challenges for the email are swept first, so at most one live
// challenge is authoritative per address.
func (s *OTPService) RequestOTP(ctx context.Context, email string) (*Receipt, error) {
	email, err := s.normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, email)
}

// ResendOTP issues a fresh challenge unless one was already created within
// the cooldown window.
func (s *OTPService) ResendOTP(ctx context.Context, email string) (*Receipt, error) {
	email, err := s.normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	since := s.now().Add(-s.cfg.ResendCooldown)
	recent, err := s.repo.CountRecent(ctx, email, since)
	if err != nil {
		s.logger.WithError(err).Error("Failed to count recent challenges")
		return nil, fmt.Errorf("%w: counting recent challenges", ErrInternal)
	}
	if recent > 0 {
		return nil, ErrRateLimited
	}

	return s.issue(ctx, email)
}

// VerifyOTP checks a submitted code against the email's live challenge. A
// successful verify consumes the challenge; it can never succeed twice.
func (s *OTPService) VerifyOTP(ctx context.Context, email, code string) (*Verification, error) {
	email, err := s.normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	code = strings.TrimSpace(code)
	if !otp.IsWellFormed(code) {
		return nil, ErrInvalidCodeFormat
	}

	challenge, err := s.repo.FindActive(ctx, email, code)
	if errors.Is(err, repository.ErrNotFound) {
		// Count the miss against the email's live challenge so repeated
		// wrong guesses still burn attempts, whatever code was guessed.
		s.recordMiss(ctx, email)
		return nil, ErrInvalidOrExpired
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to look up challenge")
		return nil, fmt.Errorf("%w: looking up challenge", ErrInternal)
	}

	// Re-check exhaustion and expiry on the fetched record; the store filter
	// and this check can race.
	if challenge.Exhausted(s.cfg.MaxAttempts) {
		s.discard(ctx, challenge)
		return nil, ErrTooManyAttempts
	}
	if challenge.Expired(s.now()) {
		s.discard(ctx, challenge)
		return nil, ErrInvalidOrExpired
	}

	consumed, err := s.repo.Consume(ctx, email, challenge.ID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to consume challenge")
		return nil, fmt.Errorf("%w: consuming challenge", ErrInternal)
	}
	if !consumed {
		// A concurrent verify won the race for this challenge.
		return nil, ErrInvalidOrExpired
	}

	verifiedAt := s.now()
	s.logger.WithField("email", email).Info("OTP verified")
	return &Verification{Email: email, VerifiedAt: verifiedAt}, nil
}

func (s *OTPService) issue(ctx context.Context, email string) (*Receipt, error) {
	if removed, err := s.repo.DeleteStale(ctx, email); err != nil {
		s.logger.WithError(err).WithField("email", email).Warn("Failed to clean up stale challenges")
	} else if removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"email":   email,
			"removed": removed,
		}).Debug("Cleaned up stale challenges")
	}

	code, err := otp.Generate()
	if err != nil {
		s.logger.WithError(err).Error("Failed to generate OTP code")
		return nil, fmt.Errorf("%w: generating code", ErrInternal)
	}

	now := s.now()
	challenge := &models.Challenge{
		ID:        uuid.NewString(),
		Email:     email,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Expiry),
	}

	if err := s.repo.Insert(ctx, challenge); err != nil {
		s.logger.WithError(err).Error("Failed to store challenge")
		return nil, fmt.Errorf("%w: storing challenge", ErrInternal)
	}

	if err := s.sender.Send(ctx, email, code); err != nil {
		// The record stays in place; a retry through resend reuses the
		// same cooldown window.
		s.logger.WithError(err).WithField("email", email).Error("Failed to deliver OTP")
		return nil, ErrDeliveryFailed
	}

	s.logger.WithField("email", email).Info("OTP sent")
	return &Receipt{Email: email, ExpiresIn: s.cfg.Expiry}, nil
}

// recordMiss increments the attempt counter on the email's live challenge.
// Best-effort: failures are logged and never override the verify outcome.
func (s *OTPService) recordMiss(ctx context.Context, email string) {
	challenge, err := s.repo.FindLatest(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("Failed to look up challenge for attempt bookkeeping")
		return
	}

	if challenge.Exhausted(s.cfg.MaxAttempts) {
		s.discard(ctx, challenge)
		return
	}
	if err := s.repo.IncrementAttempts(ctx, challenge); err != nil {
		s.logger.WithError(err).Warn("Failed to increment attempts")
	}
}

// discard deletes an unusable challenge. Best-effort: the store's passive
// eviction bounds how long a leftover record can linger.
func (s *OTPService) discard(ctx context.Context, challenge *models.Challenge) {
	if err := s.repo.Delete(ctx, challenge.Email, challenge.ID); err != nil {
		s.logger.WithError(err).Warn("Failed to delete challenge")
	}
}

func (s *OTPService) normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validate.Var(email, "required,email"); err != nil {
		return "", ErrInvalidEmail
	}
	return email, nil
}
