package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

func TestSenderPostsMessage(t *testing.T) {
	t.Parallel()
	var got outboundMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, 5*time.Second)
	require.NoError(t, s.Send(context.Background(), "chat-9", "hello there"))
	assert.Equal(t, "chat-9", got.ChatID)
	assert.Equal(t, "hello there", got.Text)
}

func TestSenderRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, 5*time.Second)
	require.NoError(t, s.Send(context.Background(), "c", "t"))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSenderClientErrorIsFinal(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, 5*time.Second)
	err := s.Send(context.Background(), "c", "t")
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

type sinkFunc func(ctx domain.Context, msg domain.InboundMessage) error

func (f sinkFunc) OnMessage(ctx domain.Context, msg domain.InboundMessage) error {
	return f(ctx, msg)
}

func postInbound(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/channel/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInboundHandlerAccepts(t *testing.T) {
	t.Parallel()
	var got domain.InboundMessage
	h := InboundHandler(sinkFunc(func(_ domain.Context, msg domain.InboundMessage) error {
		got = msg
		return nil
	}))

	rec := postInbound(t, h, `{
		"user_id": "u1", "chat_id": "c1", "message_id": "m1",
		"display_name": "Alice", "text": "attempt one",
		"timestamp": "2026-08-20T12:00:00Z"
	}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "attempt one", got.Text)
	assert.Equal(t, 2026, got.Timestamp.Year())
}

func TestInboundHandlerDefaultsTimestamp(t *testing.T) {
	t.Parallel()
	var got domain.InboundMessage
	h := InboundHandler(sinkFunc(func(_ domain.Context, msg domain.InboundMessage) error {
		got = msg
		return nil
	}))

	rec := postInbound(t, h, `{"user_id": "u1", "chat_id": "c1", "text": "x"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, got.Timestamp.IsZero())
}

func TestInboundHandlerRejectsBadPayloads(t *testing.T) {
	t.Parallel()
	h := InboundHandler(sinkFunc(func(domain.Context, domain.InboundMessage) error {
		t.Fatal("sink must not be called")
		return nil
	}))

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"user_id": `},
		{"unknown field", `{"user_id": "u1", "chat_id": "c1", "surprise": true}`},
		{"missing user", `{"chat_id": "c1", "text": "x"}`},
		{"missing chat", `{"user_id": "u1", "text": "x"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := postInbound(t, h, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestInboundHandlerSinkFailure(t *testing.T) {
	t.Parallel()
	h := InboundHandler(sinkFunc(func(domain.Context, domain.InboundMessage) error {
		return domain.ErrInternal
	}))
	rec := postInbound(t, h, `{"user_id": "u1", "chat_id": "c1", "text": "x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
