package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)
	return log
}

func TestDeliverSignsPayload(t *testing.T) {
	var gotSig, gotEvent string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotEvent = r.Header.Get(EventHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDeliverer(5*time.Second, testLogger(t))
	res, err := d.Deliver(context.Background(), srv.URL, "bot-secret", "conversation.ended", map[string]string{
		"conversation_id": "conv-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "conversation.ended", gotEvent)

	mac := hmac.New(sha256.New, []byte("bot-secret"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestDeliverReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDeliverer(5*time.Second, testLogger(t))
	_, err := d.Deliver(context.Background(), srv.URL, "s", "x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUpstream))
}

func TestTestCallBoundsWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	d := NewDeliverer(50*time.Millisecond, testLogger(t))
	start := time.Now()
	_, err := d.Test(context.Background(), srv.URL, "s")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "timeout must be reported, not waited out")
	assert.True(t, errors.Is(err, model.ErrUpstream))
}
