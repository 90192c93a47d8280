package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// EmailSender delivers notifications through the email service's
// /send endpoint.
type EmailSender struct {
	serviceURL string
	httpClient *http.Client
}

func NewEmailSender(serviceURL string, client *http.Client) *EmailSender {
	return &EmailSender{
		serviceURL: serviceURL,
		httpClient: client,
	}
}

func (s *EmailSender) Send(ctx context.Context, userID int64, message string) error {
	body := map[string]string{
		"to":      fmt.Sprintf("user-%d@example.com", userID),
		"subject": "Your order has been created",
		"body":    message,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serviceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}

// SimulatedSMSSender stands in for an SMS provider; it only logs the
// send after a short artificial delay.
type SimulatedSMSSender struct {
	logger *slog.Logger
}

func NewSimulatedSMSSender(logger *slog.Logger) *SimulatedSMSSender {
	return &SimulatedSMSSender{logger: logger}
}

func (s *SimulatedSMSSender) Send(ctx context.Context, userID int64, message string) error {
	delay := time.Duration(10+rand.Intn(41)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("sms sent", "user_id", userID, "message", message)
	return nil
}
