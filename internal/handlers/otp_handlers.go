package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/notely/notely/internal/config"
	"github.com/notely/notely/internal/service"
	"github.com/sirupsen/logrus"
)

// OTPManager is the slice of the OTP service the HTTP layer depends on.
type OTPManager interface {
	RequestOTP(ctx context.Context, email string) (*service.Receipt, error)
	VerifyOTP(ctx context.Context, email, code string) (*service.Verification, error)
	ResendOTP(ctx context.Context, email string) (*service.Receipt, error)
}

type OTPHandlers struct {
	otpService OTPManager
	cfg        *config.OTPConfig
	logger     *logrus.Logger
}

func NewOTPHandlers(otpService OTPManager, cfg *config.OTPConfig, logger *logrus.Logger) *OTPHandlers {
	return &OTPHandlers{
		otpService: otpService,
		cfg:        cfg,
		logger:     logger,
	}
}

type RequestOTPRequest struct {
	Email string `json:"email"`
}

type RequestOTPResponse struct {
	Success          bool   `json:"success"`
	Email            string `json:"email"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type VerifyOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type VerifyOTPResponse struct {
	Success    bool      `json:"success"`
	Email      string    `json:"email"`
	VerifiedAt time.Time `json:"verified_at"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfterSeconds is set only on rate-limit errors.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func (h *OTPHandlers) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req RequestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	receipt, err := h.otpService.RequestOTP(r.Context(), req.Email)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, RequestOTPResponse{
		Success:          true,
		Email:            receipt.Email,
		ExpiresInSeconds: int(receipt.ExpiresIn.Seconds()),
	})
}

func (h *OTPHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	verification, err := h.otpService.VerifyOTP(r.Context(), req.Email, req.Code)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, VerifyOTPResponse{
		Success:    true,
		Email:      verification.Email,
		VerifiedAt: verification.VerifiedAt,
	})
}

func (h *OTPHandlers) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req RequestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	receipt, err := h.otpService.ResendOTP(r.Context(), req.Email)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, RequestOTPResponse{
		Success:          true,
		Email:            receipt.Email,
		ExpiresInSeconds: int(receipt.ExpiresIn.Seconds()),
	})
}

// respondWithServiceError maps the service error taxonomy onto HTTP. Stable
// codes, human-readable messages, and never the underlying store detail.
func (h *OTPHandlers) respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidEmail):
		h.respondWithError(w, http.StatusBadRequest, "INVALID_EMAIL", "Please provide a valid email address")
	case errors.Is(err, service.ErrInvalidCodeFormat):
		h.respondWithError(w, http.StatusBadRequest, "INVALID_OTP", "OTP must be a 6-digit number")
	case errors.Is(err, service.ErrInvalidOrExpired):
		h.respondWithError(w, http.StatusBadRequest, "INVALID_OTP", "Invalid or expired OTP")
	case errors.Is(err, service.ErrTooManyAttempts):
		h.respondWithError(w, http.StatusBadRequest, "TOO_MANY_ATTEMPTS", "Too many failed attempts. Please request a new OTP.")
	case errors.Is(err, service.ErrRateLimited):
		retryAfter := int(h.cfg.ResendCooldown.Seconds())
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		h.respondWithJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error: ErrorDetail{
				Code:              "RATE_LIMITED",
				Message:           "Please wait before requesting a new OTP",
				RetryAfterSeconds: retryAfter,
			},
		})
	case errors.Is(err, service.ErrDeliveryFailed):
		h.respondWithError(w, http.StatusBadGateway, "DELIVERY_FAILED", "Failed to send OTP. Please try again.")
	default:
		h.logger.WithError(err).Error("OTP operation failed")
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Something went wrong. Please try again.")
	}
}

func (h *OTPHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *OTPHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
