package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-operations/internal/apperr"
)

func TestHTTPGatewayCreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "300", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "RCPT-1", r.PostForm.Get("metadata[receipt_no]"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "pi_123",
			"client_secret": "pi_123_secret_abc",
			"status":        "requires_payment_method",
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL+"/", "sk_test", time.Second, nil)
	intent, err := gw.CreateIntent(context.Background(), 300, map[string]string{"receipt_no": "RCPT-1"})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, "pi_123_secret_abc", intent.ClientSecret)
}

func TestHTTPGatewayRetrieveStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		want IntentStatus
	}{
		{"succeeded", `{"id":"pi_1","status":"succeeded"}`, IntentSucceeded},
		{"processing", `{"id":"pi_1","status":"processing"}`, IntentPending},
		{"awaiting card", `{"id":"pi_1","status":"requires_payment_method"}`, IntentPending},
		{"declined", `{"id":"pi_1","status":"requires_payment_method","last_payment_error":{"code":"card_declined"}}`, IntentFailed},
		{"canceled", `{"id":"pi_1","status":"canceled"}`, IntentFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := NewHTTPGateway(srv.URL, "sk_test", time.Second, nil).RetrieveStatus(context.Background(), "pi_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPGatewayErrors(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := NewHTTPGateway(srv.URL, "sk_test", time.Second, nil).RetrieveStatus(ctx, "pi_1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrGatewayTimeout))
		assert.True(t, apperr.IsRetryable(err))
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := NewHTTPGateway(srv.URL, "sk_test", time.Second, nil).RetrieveStatus(context.Background(), "pi_1")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrGatewayTimeout))
		assert.Equal(t, apperr.Infrastructure, apperr.KindOf(err))
	})

	t.Run("unknown intent", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := NewHTTPGateway(srv.URL, "sk_test", time.Second, nil).RetrieveStatus(context.Background(), "pi_missing")
		assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	})
}

func TestConfirmCardPaymentOverHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"id":"pi_slow","client_secret":"s"}`))
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newFixture(t)
	f.svc.gateway = NewHTTPGateway(srv.URL, "sk_test", 5*time.Second, nil)
	f.svc.gatewayTimeout = 30 * time.Millisecond
	r := f.receipt(t, 300)

	payment, err := f.svc.StartCardPayment(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_slow", payment.Transaction.GatewayRef)

	conf, err := f.svc.ConfirmCardPayment(context.Background(), payment.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknown, conf.Outcome)
	assert.Equal(t, StatusPending, f.status(t, r.ID))
}
