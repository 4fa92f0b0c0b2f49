// Package otp generates and validates the 6-digit numeric codes used for
// email verification challenges.
package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

// CodeLength is the fixed number of digits in a generated code.
const CodeLength = 6

var codePattern = regexp.MustCompile(`^\d{6}$`)

// codeSpan covers [100000, 999999]; drawing from [0, 900000) and offsetting
// keeps the length fixed without zero-padding a smaller range.
var codeSpan = big.NewInt(900000)

// Generate returns a 6-digit code drawn uniformly from [100000, 999999]
// using crypto/rand. rand.Int is uniform over its argument, so no modulo
// bias correction is needed.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpan)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+100000), nil
}

// IsWellFormed reports whether code is exactly six ASCII digits.
func IsWellFormed(code string) bool {
	return codePattern.MatchString(code)
}
