package models

import "time"

// Challenge is one outstanding OTP challenge for an email address.
// The code is kept as text so leading zeros survive storage round-trips.
type Challenge struct {
	ID        string    `json:"id" dynamodbav:"ChallengeID"`
	Email     string    `json:"email" dynamodbav:"Email"`
	Code      string    `json:"code" dynamodbav:"Code"`
	Attempts  int       `json:"attempts" dynamodbav:"Attempts"`
	Verified  bool      `json:"verified" dynamodbav:"Verified"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"CreatedAt"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"ExpiresAt"`
}

// Expired reports whether the challenge is past its expiry instant.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Exhausted reports whether the failed-attempt counter reached the limit.
func (c *Challenge) Exhausted(maxAttempts int) bool {
	return c.Attempts >= maxAttempts
}

// Pending reports whether the challenge is still usable for verification.
func (c *Challenge) Pending(now time.Time) bool {
	return !c.Verified && !c.Expired(now)
}
