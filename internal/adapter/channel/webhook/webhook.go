// Package webhook is the HTTP channel adapter: an outbound sender posting
// messages to a sink URL, and an inbound handler decoding chat messages
// into the admission front.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

const sendMaxRetries = 3

// Sender implements domain.Channel against a sink URL. Delivery is
// best-effort: the engine logs a failed send and moves on, the attempt
// state is already committed.
type Sender struct {
	url string
	hc  *http.Client
}

// NewSender builds the outbound sender. timeout bounds one delivery
// attempt including retries' individual calls.
func NewSender(sinkURL string, timeout time.Duration) *Sender {
	return &Sender{
		url: sinkURL,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type outboundMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Send posts one message to the sink, retrying transient failures.
func (s *Sender) Send(ctx domain.Context, chatID, text string) error {
	body, err := json.Marshal(outboundMessage{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("op=webhook.Send: %w", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("sink status %d", resp.StatusCode))
		default:
			return fmt.Errorf("sink status %d", resp.StatusCode)
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, sendMaxRetries), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		return fmt.Errorf("op=webhook.Send: %w", err)
	}
	return nil
}

// MessageSink consumes decoded inbound messages. The admission front
// implements it.
type MessageSink interface {
	OnMessage(ctx domain.Context, msg domain.InboundMessage) error
}

type inboundPayload struct {
	UserID      string    `json:"user_id"`
	ChatID      string    `json:"chat_id"`
	MessageID   string    `json:"message_id"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// InboundHandler decodes POSTed chat messages and hands them to the sink.
// User-level rejections (bans, cooldowns, full queue) are replies on the
// channel, not HTTP errors; only infrastructure failures return 5xx.
func InboundHandler(sink MessageSink) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload inboundPayload
		dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed message"})
			return
		}
		if payload.UserID == "" || payload.ChatID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and chat_id required"})
			return
		}

		msg := domain.InboundMessage{
			UserID:      payload.UserID,
			ChatID:      payload.ChatID,
			MessageID:   payload.MessageID,
			DisplayName: payload.DisplayName,
			Text:        payload.Text,
			Timestamp:   payload.Timestamp,
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}

		if err := sink.OnMessage(r.Context(), msg); err != nil {
			if errors.Is(err, domain.ErrInvalidArgument) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message"})
				return
			}
			slog.Error("inbound message processing failed",
				slog.String("user_id", msg.UserID), slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
