// Copyright 2025 James Ross

// Package smsgateway sends the completion notification SMS and validates
// the E.164 phone number the HTTP notify endpoint accepts. Outbound sends
// are client-side rate limited with golang.org/x/time/rate the way the
// teacher's internal/event-hooks webhook sender paces deliveries.
package smsgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"golang.org/x/time/rate"

	"github.com/jamesross/imagegen-broker/internal/config"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidateE164 rejects any phone number not in strict E.164 form.
func ValidateE164(phone string) error {
	if !e164Pattern.MatchString(phone) {
		return fmt.Errorf("phone %q is not a valid E.164 number", phone)
	}
	return nil
}

// Client sends notification SMS through a configured HTTP gateway.
type Client struct {
	gatewayURL string
	gatewayKey string
	http       *http.Client
	limiter    *rate.Limiter
}

// New builds a Client from config.
func New(cfg config.SMS) *Client {
	limit := rate.Limit(cfg.RateLimitPerSec)
	if cfg.RateLimitPerSec <= 0 {
		limit = rate.Inf
	}
	return &Client{
		gatewayURL: cfg.GatewayURL,
		gatewayKey: cfg.GatewayKey,
		http:       &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Send delivers message to phone, blocking for the rate limiter's turn.
// Returns an error on gateway or transport failure; callers record
// sms_status themselves (spec.md §7 "Notification error").
func (c *Client) Send(ctx context.Context, phone, message string) error {
	if err := ValidateE164(phone); err != nil {
		return err
	}
	if c.gatewayURL == "" {
		return fmt.Errorf("sms gateway url not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sms rate limit wait: %w", err)
	}

	body, err := json.Marshal(sendRequest{To: phone, Message: message})
	if err != nil {
		return fmt.Errorf("marshal sms request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.gatewayKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.gatewayKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	return nil
}

// DownloadMessage formats the standard completion notification text.
func DownloadMessage(imageURL string) string {
	return fmt.Sprintf("Your image is ready: %s", imageURL)
}
