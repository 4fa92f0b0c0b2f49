package models

import (
	"testing"
	"time"
)

func TestChallengeLifecycleHelpers(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	challenge := &Challenge{
		Email:     "a@b.com",
		Code:      "042137",
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}

	if challenge.Expired(now) {
		t.Error("fresh challenge reported expired")
	}
	if !challenge.Pending(now) {
		t.Error("fresh challenge not pending")
	}
	if challenge.Exhausted(3) {
		t.Error("fresh challenge reported exhausted")
	}

	// Expiry is inclusive at the boundary instant.
	if !challenge.Expired(now.Add(5 * time.Minute)) {
		t.Error("challenge not expired at its expiry instant")
	}
	if challenge.Pending(now.Add(6 * time.Minute)) {
		t.Error("expired challenge still pending")
	}

	challenge.Attempts = 3
	if !challenge.Exhausted(3) {
		t.Error("challenge with 3 attempts not exhausted")
	}

	challenge.Attempts = 0
	challenge.Verified = true
	if challenge.Pending(now) {
		t.Error("verified challenge still pending")
	}
}
