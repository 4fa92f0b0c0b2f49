package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/notely/notely/internal/config"
	"github.com/notely/notely/internal/models"
	"github.com/notely/notely/internal/repository"
	"github.com/sirupsen/logrus"
)

type memChallengeRepo struct {
	mu         sync.Mutex
	byID       map[string]*models.Challenge
	now        func() time.Time
	failInsert error
	failCount  error
}

func newMemChallengeRepo(now func() time.Time) *memChallengeRepo {
	return &memChallengeRepo{
		byID: make(map[string]*models.Challenge),
		now:  now,
	}
}

func (r *memChallengeRepo) Insert(_ context.Context, challenge *models.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInsert != nil {
		return r.failInsert
	}
	clone := *challenge
	r.byID[challenge.ID] = &clone
	return nil
}

func (r *memChallengeRepo) FindActive(_ context.Context, email, code string) (*models.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *models.Challenge
	for _, c := range r.byID {
		if c.Email != email || c.Code != code || !c.Pending(r.now()) {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	clone := *found
	return &clone, nil
}

func (r *memChallengeRepo) FindLatest(_ context.Context, email string) (*models.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *models.Challenge
	for _, c := range r.byID {
		if c.Email != email || !c.Pending(r.now()) {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	clone := *found
	return &clone, nil
}

func (r *memChallengeRepo) IncrementAttempts(_ context.Context, challenge *models.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[challenge.ID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Attempts++
	challenge.Attempts = stored.Attempts
	return nil
}

func (r *memChallengeRepo) Consume(_ context.Context, email, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok || stored.Email != email || stored.Verified {
		return false, nil
	}
	stored.Verified = true
	delete(r.byID, id)
	return true, nil
}

func (r *memChallengeRepo) Delete(_ context.Context, email, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}

func (r *memChallengeRepo) DeleteStale(_ context.Context, email string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, c := range r.byID {
		if c.Email != email {
			continue
		}
		if c.Verified || c.Expired(r.now()) {
			delete(r.byID, id)
			removed++
		}
	}
	return removed, nil
}

func (r *memChallengeRepo) CountRecent(_ context.Context, email string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCount != nil {
		return 0, r.failCount
	}
	count := 0
	for _, c := range r.byID {
		if c.Email == email && !c.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *memChallengeRepo) all(email string) []*models.Challenge {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Challenge
	for _, c := range r.byID {
		if c.Email == email {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out
}

type memSender struct {
	mu    sync.Mutex
	sent  []string // codes in send order
	fail  error
	dests []string
}

func (s *memSender) Send(_ context.Context, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, code)
	s.dests = append(s.dests, email)
	return nil
}

func (s *memSender) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("no code was sent")
	}
	return s.sent[len(s.sent)-1]
}

type fixture struct {
	svc    *OTPService
	repo   *memChallengeRepo
	sender *memSender
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.repo = newMemChallengeRepo(clock)
	f.sender = &memSender{}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := &config.OTPConfig{
		Store:          config.StoreDynamoDB,
		Expiry:         5 * time.Minute,
		MaxAttempts:    3,
		ResendCooldown: 60 * time.Second,
	}
	f.svc = NewOTPService(f.repo, f.sender, cfg, logger)
	f.svc.now = clock
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestRequestThenVerifySucceedsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.svc.RequestOTP(ctx, "a@b.com")
	if err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}
	if receipt.Email != "a@b.com" {
		t.Errorf("receipt email = %q, want %q", receipt.Email, "a@b.com")
	}
	if receipt.ExpiresIn != 5*time.Minute {
		t.Errorf("receipt expiry = %v, want 5m", receipt.ExpiresIn)
	}

	challenges := f.repo.all("a@b.com")
	if len(challenges) != 1 {
		t.Fatalf("store has %d records, want 1", len(challenges))
	}
	if challenges[0].Attempts != 0 || challenges[0].Verified {
		t.Errorf("fresh record = %+v, want attempts=0 verified=false", challenges[0])
	}

	code := f.sender.lastCode(t)
	verification, err := f.svc.VerifyOTP(ctx, "a@b.com", code)
	if err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}
	if verification.Email != "a@b.com" {
		t.Errorf("verification email = %q", verification.Email)
	}
	if !verification.VerifiedAt.Equal(f.now) {
		t.Errorf("verifiedAt = %v, want %v", verification.VerifiedAt, f.now)
	}
	if len(f.repo.all("a@b.com")) != 0 {
		t.Error("record not deleted after successful verify")
	}

	// The verify outcome is one-shot.
	if _, err := f.svc.VerifyOTP(ctx, "a@b.com", code); !errors.Is(err, ErrInvalidOrExpired) {
		t.Errorf("second verify = %v, want ErrInvalidOrExpired", err)
	}
}

func TestVerifyWrongCodeBurnsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}
	code := f.sender.lastCode(t)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	for i := 1; i <= 3; i++ {
		if _, err := f.svc.VerifyOTP(ctx, "a@b.com", wrong); !errors.Is(err, ErrInvalidOrExpired) {
			t.Fatalf("wrong verify %d = %v, want ErrInvalidOrExpired", i, err)
		}
		challenges := f.repo.all("a@b.com")
		if len(challenges) != 1 || challenges[0].Attempts != i {
			t.Fatalf("after wrong verify %d: records=%d attempts=%d", i, len(challenges), challenges[0].Attempts)
		}
	}

	// Attempts exhausted: even the correct code is refused and the
	// challenge is invalidated.
	if _, err := f.svc.VerifyOTP(ctx, "a@b.com", code); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("exhausted verify = %v, want ErrTooManyAttempts", err)
	}
	if len(f.repo.all("a@b.com")) != 0 {
		t.Error("exhausted challenge not deleted")
	}
	if _, err := f.svc.VerifyOTP(ctx, "a@b.com", code); !errors.Is(err, ErrInvalidOrExpired) {
		t.Errorf("verify after exhaustion = %v, want ErrInvalidOrExpired", err)
	}
}

func TestVerifyWrongCodeAfterExhaustionDiscardsChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := f.svc.VerifyOTP(ctx, "a@b.com", "000000"); !errors.Is(err, ErrInvalidOrExpired) {
			t.Fatalf("wrong verify = %v, want ErrInvalidOrExpired", err)
		}
	}

	// The counter never exceeds the limit; the 4th miss discards instead.
	if got := len(f.repo.all("a@b.com")); got != 0 {
		t.Errorf("store has %d records after exhaustion, want 0", got)
	}
}

func TestVerifyExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}
	code := f.sender.lastCode(t)

	f.advance(5*time.Minute + time.Second)

	if _, err := f.svc.VerifyOTP(ctx, "a@b.com", code); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("expired verify = %v, want ErrInvalidOrExpired", err)
	}
}

func TestResendRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}

	if _, err := f.svc.ResendOTP(ctx, "a@b.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("resend within cooldown = %v, want ErrRateLimited", err)
	}

	f.advance(61 * time.Second)

	receipt, err := f.svc.ResendOTP(ctx, "a@b.com")
	if err != nil {
		t.Fatalf("resend after cooldown: %v", err)
	}
	if receipt.ExpiresIn != 5*time.Minute {
		t.Errorf("receipt expiry = %v", receipt.ExpiresIn)
	}
	if len(f.sender.sent) != 2 {
		t.Errorf("sent %d codes, want 2", len(f.sender.sent))
	}
}

func TestResendAfterVerifyIsNotThrottled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}
	code := f.sender.lastCode(t)
	if _, err := f.svc.VerifyOTP(ctx, "a@b.com", code); err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}

	// The verified challenge was deleted, so there is no record left to
	// throttle against.
	if _, err := f.svc.ResendOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("resend after verify = %v, want success", err)
	}
}

func TestRequestSupersedesStaleChallenges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}
	first := f.sender.lastCode(t)

	f.advance(6 * time.Minute) // first challenge expires

	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("second RequestOTP: %v", err)
	}

	// The expired challenge was swept during the new request.
	if got := len(f.repo.all("a@b.com")); got != 1 {
		t.Fatalf("store has %d records, want 1", got)
	}
	if _, err := f.svc.VerifyOTP(ctx, "a@b.com", first); !errors.Is(err, ErrInvalidOrExpired) {
		t.Errorf("stale code verify = %v, want ErrInvalidOrExpired", err)
	}
}

func TestDeliveryFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sender.fail = errors.New("smtp: connection refused")
	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("RequestOTP = %v, want ErrDeliveryFailed", err)
	}

	// The record stays so a later resend shares its cooldown window.
	challenges := f.repo.all("a@b.com")
	if len(challenges) != 1 {
		t.Fatalf("store has %d records, want 1", len(challenges))
	}
	if _, err := f.svc.ResendOTP(ctx, "a@b.com"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("resend right after failed delivery = %v, want ErrRateLimited", err)
	}

	f.sender.fail = nil
	f.advance(61 * time.Second)
	if _, err := f.svc.ResendOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("resend after cooldown: %v", err)
	}
	code := f.sender.lastCode(t)
	if _, err := f.svc.VerifyOTP(ctx, "a@b.com", code); err != nil {
		t.Errorf("verify after recovered delivery: %v", err)
	}
}

func TestEmailValidationAndNormalization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, email := range []string{"", "not-an-email", "a@", "@b.com", "a b@c.com"} {
		if _, err := f.svc.RequestOTP(ctx, email); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("RequestOTP(%q) = %v, want ErrInvalidEmail", email, err)
		}
		if _, err := f.svc.ResendOTP(ctx, email); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("ResendOTP(%q) = %v, want ErrInvalidEmail", email, err)
		}
		if _, err := f.svc.VerifyOTP(ctx, email, "123456"); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("VerifyOTP(%q) = %v, want ErrInvalidEmail", email, err)
		}
	}

	receipt, err := f.svc.RequestOTP(ctx, "  User@Example.COM ")
	if err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}
	if receipt.Email != "user@example.com" {
		t.Errorf("normalized email = %q", receipt.Email)
	}

	code := f.sender.lastCode(t)
	if _, err := f.svc.VerifyOTP(ctx, "USER@example.com", code); err != nil {
		t.Errorf("verify with different casing: %v", err)
	}
}

func TestVerifyRejectsMalformedCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}

	for _, code := range []string{"", "12345", "1234567", "12345x"} {
		if _, err := f.svc.VerifyOTP(ctx, "a@b.com", code); !errors.Is(err, ErrInvalidCodeFormat) {
			t.Errorf("VerifyOTP(code=%q) = %v, want ErrInvalidCodeFormat", code, err)
		}
	}

	// Format rejections never touch the attempt counter.
	challenges := f.repo.all("a@b.com")
	if len(challenges) != 1 || challenges[0].Attempts != 0 {
		t.Errorf("attempts burned by malformed codes: %+v", challenges)
	}
}

func TestStoreFaultsSurfaceAsInternal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.repo.failInsert = errors.New("dynamodb unavailable")
	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); !errors.Is(err, ErrInternal) {
		t.Errorf("RequestOTP with failing store = %v, want ErrInternal", err)
	}
	f.repo.failInsert = nil

	f.repo.failCount = errors.New("dynamodb unavailable")
	if _, err := f.svc.ResendOTP(ctx, "a@b.com"); !errors.Is(err, ErrInternal) {
		t.Errorf("ResendOTP with failing store = %v, want ErrInternal", err)
	}
}

func TestConcurrentVerifyAtMostOneSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RequestOTP(ctx, "a@b.com"); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}
	code := f.sender.lastCode(t)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.VerifyOTP(ctx, "a@b.com", code)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrInvalidOrExpired) {
			t.Errorf("concurrent verify = %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("%d concurrent verifies succeeded, want exactly 1", successes)
	}
}
