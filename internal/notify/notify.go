// Package notify delivers OTP codes to users out-of-band.
package notify

import "context"

// Sender delivers a verification code to an email address. Implementations
// either deliver or return an error; the lifecycle manager treats delivery
// as fire-and-forget-or-fail.
type Sender interface {
	Send(ctx context.Context, email, code string) error
}
