package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SMTPConfig configures the SMTP sink.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	AppName  string
}

// SMTPSink sends verification codes over SMTP.
type SMTPSink struct {
	addr   string
	from   string
	app    string
	auth   smtp.Auth
	logger *logrus.Logger
}

func NewSMTPSink(cfg SMTPConfig, logger *logrus.Logger) (*SMTPSink, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("smtp host and port are required")
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	if from == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}

	return &SMTPSink{
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		from:   from,
		app:    cfg.AppName,
		auth:   auth,
		logger: logger,
	}, nil
}

// Send delivers the verification email. The body mirrors the 5-minute
// expiry promised by the lifecycle manager.
func (s *SMTPSink) Send(ctx context.Context, email, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	headers := []string{
		fmt.Sprintf("From: %s", s.from),
		fmt.Sprintf("To: %s", email),
		fmt.Sprintf("Subject: Your OTP Code - %s", s.app),
		"MIME-Version: 1.0",
		`Content-Type: text/html; charset="UTF-8"`,
	}

	raw := strings.Join(headers, "\r\n") + "\r\n\r\n" + s.body(code)

	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{email}, []byte(raw)); err != nil {
		s.logger.WithError(err).WithField("email", email).Error("Failed to send OTP email")
		return fmt.Errorf("failed to send OTP email: %w", err)
	}
	return nil
}

func (s *SMTPSink) body(code string) string {
	return fmt.Sprintf(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #333; text-align: center;">Email Verification</h2>
  <div style="background-color: #f9f9f9; padding: 20px; border-radius: 8px;">
    <p>You requested to verify your email address. Please use the code below:</p>
    <div style="text-align: center; margin: 30px 0;">
      <span style="background-color: #007bff; color: white; padding: 15px 30px; font-size: 24px; font-weight: bold; border-radius: 8px; letter-spacing: 3px; display: inline-block;">%s</span>
    </div>
    <p style="font-size: 14px; color: #666;">This code will expire in 5 minutes.</p>
    <p style="font-size: 14px; color: #666;">If you didn't request this verification, please ignore this email.</p>
  </div>
  <p style="font-size: 12px; color: #999; text-align: center;">&copy; %d %s. All rights reserved.</p>
</div>`, code, time.Now().Year(), s.app)
}
