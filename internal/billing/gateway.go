package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-operations/internal/apperr"
	"github.com/hackgods/clinic-operations/internal/metrics"
)

var gatewayTracer = otel.Tracer("clinic.internal.billing.gateway")

// ErrGatewayTimeout means the gateway gave no answer in time. The payment outcome is unknown.
var ErrGatewayTimeout = apperr.New(apperr.Infrastructure, "payment gateway timed out")

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
)

type Intent struct {
	ID           string
	ClientSecret string
}

// Gateway is the card payment provider.
type Gateway interface {
	CreateIntent(ctx context.Context, amount int64, metadata map[string]string) (*Intent, error)
	RetrieveStatus(ctx context.Context, id string) (IntentStatus, error)
}

// HTTPGateway talks to a Stripe-compatible PaymentIntents API.
type HTTPGateway struct {
	baseURL    string
	secretKey  string
	currency   string
	httpClient *http.Client
	metrics    *metrics.Recorder
}

func NewHTTPGateway(baseURL, secretKey string, timeout time.Duration, m *metrics.Recorder) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		currency:   "usd",
		httpClient: &http.Client{Timeout: timeout},
		metrics:    m,
	}
}

type paymentIntent struct {
	ID               string `json:"id"`
	ClientSecret     string `json:"client_secret"`
	Status           string `json:"status"`
	LastPaymentError *struct {
		Code string `json:"code"`
	} `json:"last_payment_error"`
}

func (g *HTTPGateway) CreateIntent(ctx context.Context, amount int64, metadata map[string]string) (*Intent, error) {
	ctx, span := gatewayTracer.Start(ctx, "gateway.create_intent")
	defer span.End()
	span.SetAttributes(attribute.Int64("clinic.amount", amount))

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", g.currency)
	form.Set("payment_method_types[]", "card")
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var pi paymentIntent
	if err := g.do(ctx, "create_intent", http.MethodPost, "/v1/payment_intents", strings.NewReader(form.Encode()), &pi); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create intent failed")
		return nil, err
	}
	if pi.ID == "" {
		return nil, apperr.New(apperr.Infrastructure, "payment gateway response missing intent id")
	}
	span.SetAttributes(attribute.String("clinic.intent_id", pi.ID))
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (g *HTTPGateway) RetrieveStatus(ctx context.Context, id string) (IntentStatus, error) {
	ctx, span := gatewayTracer.Start(ctx, "gateway.retrieve_status")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.intent_id", id))

	var pi paymentIntent
	if err := g.do(ctx, "retrieve_status", http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, &pi); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieve status failed")
		return "", err
	}
	status := mapIntentStatus(pi)
	span.SetAttributes(attribute.String("clinic.intent_status", string(status)))
	return status, nil
}

// mapIntentStatus folds provider statuses into succeeded, failed or pending. A payment method
// that was declined leaves the intent in requires_payment_method with a last error.
func mapIntentStatus(pi paymentIntent) IntentStatus {
	switch pi.Status {
	case "succeeded":
		return IntentSucceeded
	case "canceled":
		return IntentFailed
	case "requires_payment_method":
		if pi.LastPaymentError != nil {
			return IntentFailed
		}
	}
	return IntentPending
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path string, body io.Reader, out any) error {
	start := time.Now()
	defer func() { g.metrics.ObserveGatewayLatency(op, time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %w", ErrGatewayTimeout, err)
		}
		return apperr.Wrap(apperr.Infrastructure, "payment gateway unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusNotFound {
			return apperr.Wrap(apperr.NotFound, "payment intent not found", err)
		}
		return apperr.Wrap(apperr.Infrastructure, "payment gateway error", err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %w", ErrGatewayTimeout, err)
		}
		return apperr.Wrap(apperr.Infrastructure, "decode gateway response", err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// FakeGateway keeps intents in memory. It backs local development when no gateway key is
// configured and lets tests script the provider's answers.
type FakeGateway struct {
	mu       sync.Mutex
	statuses map[string]IntentStatus
	delay    time.Duration
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{statuses: make(map[string]IntentStatus)}
}

// SetStatus scripts the status the fake reports for an intent.
func (g *FakeGateway) SetStatus(id string, status IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[id] = status
}

// SetDelay makes RetrieveStatus block for d or until ctx is done.
func (g *FakeGateway) SetDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

func (g *FakeGateway) CreateIntent(_ context.Context, amount int64, _ map[string]string) (*Intent, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.Validation, "amount must be positive")
	}
	id := "pi_fake_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	g.SetStatus(id, IntentPending)
	return &Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (g *FakeGateway) RetrieveStatus(ctx context.Context, id string) (IntentStatus, error) {
	g.mu.Lock()
	status, ok := g.statuses[id]
	delay := g.delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrGatewayTimeout, ctx.Err())
		}
	}
	if !ok {
		return "", apperr.New(apperr.NotFound, "payment intent not found")
	}
	return status, nil
}
