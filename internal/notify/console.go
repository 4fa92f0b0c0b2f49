package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ConsoleSink logs codes instead of delivering them. It stands in for a
// real transport during local development; this is the only path on which
// a raw code ever reaches a log.
type ConsoleSink struct {
	logger *logrus.Logger
}

func NewConsoleSink(logger *logrus.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger}
}

func (s *ConsoleSink) Send(_ context.Context, email, code string) error {
	s.logger.WithFields(logrus.Fields{
		"email": email,
		"code":  code,
	}).Info("OTP email (console mode)")
	return nil
}
