package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChain = "evm:byzantium:8996:bloxberg"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:    AlertTypeUnhealthy,
		Chain:   testChain,
		Title:   "dispatcher unhealthy",
		Message: "5 consecutive failures",
		Fields:  map[string]string{"last_error": "node unreachable"},
	}
}

// receiver counts posts and answers with the given status codes in turn,
// repeating the last one.
func receiver(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32, *[]byte) {
	t.Helper()
	var hits atomic.Int32
	var last []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		last, _ = io.ReadAll(r.Body)
		status := http.StatusOK
		if len(statuses) > 0 {
			status = statuses[min(n, len(statuses))-1]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, &last
}

func fastWebhook(url string) *WebhookAlerter {
	w := NewWebhookAlerter(url)
	w.minWait = time.Millisecond
	return w
}

func TestAlertType_Severity(t *testing.T) {
	assert.Equal(t, SeverityCritical, AlertTypeNonceGap.Severity())
	assert.Equal(t, SeverityInfo, AlertTypeRecovery.Severity())
	assert.Equal(t, SeverityWarning, AlertTypeWaitForGas.Severity())
}

func TestAlert_SubjectLowercasesAddress(t *testing.T) {
	assert.Equal(t, testChain, testAlert().Subject())
	a := Alert{Chain: testChain, Address: "0xABcd"}
	assert.Equal(t, testChain+"/0xabcd", a.Subject())
}

func TestMultiAlerter_FansOut(t *testing.T) {
	slackSrv, slackHits, _ := receiver(t)
	hookSrv, hookHits, _ := receiver(t)

	m := NewMultiAlerter(time.Hour, testLogger(), NewSlackAlerter(slackSrv.URL), NewWebhookAlerter(hookSrv.URL))
	require.NoError(t, m.Send(context.Background(), testAlert()))

	assert.Equal(t, int32(1), slackHits.Load())
	assert.Equal(t, int32(1), hookHits.Load())
}

func TestMultiAlerter_Cooldown(t *testing.T) {
	srv, hits, _ := receiver(t)
	m := NewMultiAlerter(time.Hour, testLogger(), NewWebhookAlerter(srv.URL))
	ctx := context.Background()

	a := Alert{Type: AlertTypeWaitForGas, Chain: testChain, Address: "0xAAAA", Title: "t"}
	require.NoError(t, m.Send(ctx, a))
	a.Address = "0xaaaa"
	require.NoError(t, m.Send(ctx, a), "same subject in other case")
	assert.Equal(t, int32(1), hits.Load())

	a.Address = "0xbbbb"
	require.NoError(t, m.Send(ctx, a))
	a.Type = AlertTypeTxRejected
	require.NoError(t, m.Send(ctx, a))
	assert.Equal(t, int32(3), hits.Load())
}

func TestMultiAlerter_CooldownExpires(t *testing.T) {
	srv, hits, _ := receiver(t)
	m := NewMultiAlerter(time.Millisecond, testLogger(), NewWebhookAlerter(srv.URL))

	require.NoError(t, m.Send(context.Background(), testAlert()))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(2), hits.Load())
}

func TestMultiAlerter_ZeroCooldownSendsAll(t *testing.T) {
	srv, hits, _ := receiver(t)
	m := NewMultiAlerter(0, testLogger(), NewWebhookAlerter(srv.URL))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Send(context.Background(), testAlert()))
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestMultiAlerter_PartialFailure(t *testing.T) {
	badSrv, _, _ := receiver(t, http.StatusForbidden)
	goodSrv, goodHits, _ := receiver(t)

	m := NewMultiAlerter(time.Hour, testLogger(), fastWebhook(badSrv.URL), NewWebhookAlerter(goodSrv.URL))
	err := m.Send(context.Background(), testAlert())

	require.Error(t, err)
	assert.ErrorIs(t, err, errRejected)
	assert.Equal(t, int32(1), goodHits.Load())
}

func TestWebhookAlerter_RetriesServerErrors(t *testing.T) {
	srv, hits, _ := receiver(t, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusOK)

	require.NoError(t, fastWebhook(srv.URL).Send(context.Background(), testAlert()))
	assert.Equal(t, int32(3), hits.Load())
}

func TestWebhookAlerter_GivesUpAfterAttempts(t *testing.T) {
	srv, hits, _ := receiver(t, http.StatusInternalServerError)

	err := fastWebhook(srv.URL).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.False(t, errors.Is(err, errRejected))
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(sendAttempts), hits.Load())
}

func TestWebhookAlerter_DoesNotRetryRejection(t *testing.T) {
	srv, hits, _ := receiver(t, http.StatusBadRequest)

	err := fastWebhook(srv.URL).Send(context.Background(), testAlert())
	assert.ErrorIs(t, err, errRejected)
	assert.Equal(t, int32(1), hits.Load())
}

func TestWebhookAlerter_Payload(t *testing.T) {
	srv, _, body := receiver(t)
	w := NewWebhookAlerter(srv.URL)
	w.nowFn = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600)) }

	require.NoError(t, w.Send(context.Background(), Alert{
		Type:    AlertTypeNonceMismatch,
		Chain:   testChain,
		Address: "0x2222222222222222222222222222222222222222",
		Title:   "nonce drift",
		Message: "local counter behind network",
		Fields:  map[string]string{"local": "10", "network": "12"},
	}))

	assert.JSONEq(t, `{
		"type": "NONCE_MISMATCH",
		"severity": "warning",
		"chain": "evm:byzantium:8996:bloxberg",
		"address": "0x2222222222222222222222222222222222222222",
		"title": "nonce drift",
		"message": "local counter behind network",
		"fields": {"local": "10", "network": "12"},
		"time": "2024-03-01T11:00:00Z"
	}`, string(*body))
}

func TestSlackAlerter_Text(t *testing.T) {
	srv, _, body := receiver(t)

	require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), Alert{
		Type:    AlertTypeTxRejected,
		Chain:   testChain,
		Address: "0x1111111111111111111111111111111111111111",
		Title:   "transaction rejected",
		Message: "intrinsic gas too low",
		Fields:  map[string]string{"tx_hash": "0xabc", "nonce": "42"},
	}))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(*body, &payload))
	text := payload["text"]
	assert.True(t, strings.HasPrefix(text, ":no_entry: *[TX_REJECTED]* "+testChain+"/0x1111111111111111111111111111111111111111"))
	assert.Contains(t, text, "intrinsic gas too low")
	assert.Less(t, strings.Index(text, "*nonce*"), strings.Index(text, "*tx_hash*"))

	for typ, emoji := range map[AlertType]string{
		AlertTypeUnhealthy:  ":warning:",
		AlertTypeRecovery:   ":white_check_mark:",
		AlertTypeWaitForGas: ":fuelpump:",
		AlertTypeNonceGap:   ":scales:",
	} {
		assert.True(t, strings.HasPrefix(slackText(Alert{Type: typ}), emoji), typ)
	}
}
