// Package twitch talks to Twitch: the Helix subscription endpoint, the OAuth
// validate endpoint and the EventSub websocket.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Jair4x/scst-server/internal/adapter/metrics"
	"github.com/Jair4x/scst-server/internal/domain"
	apperrors "github.com/Jair4x/scst-server/internal/platform/errors"
	"github.com/Jair4x/scst-server/internal/platform/version"
)

const (
	maxResponseBody = 64 << 10

	breakerTripAfter   = 5
	breakerOpenTimeout = 30 * time.Second

	endpointSubscriptions = "eventsub_subscriptions"
	endpointValidate      = "oauth2_validate"
)

// APIError is a non-2xx answer from a Twitch endpoint.
type APIError struct {
	StatusCode int
	Reason     string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twitch api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("twitch api: status %d", e.StatusCode)
}

// Client implements domain.TopicRegistrar and domain.TokenValidator over
// plain HTTP. Transport failures feed a circuit breaker shared by both endpoints.
type Client struct {
	clientID string
	helixURL string
	idURL    string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	metrics  *metrics.TwitchAPIMetrics
}

var (
	_ domain.TopicRegistrar = (*Client)(nil)
	_ domain.TokenValidator = (*Client)(nil)
)

type Option func(*Client)

// WithHTTPClient replaces the default timeout-bounded client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithMetrics(m *metrics.TwitchAPIMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a client for the given Helix and ID base URLs.
// timeout bounds every request.
func NewClient(clientID, helixURL, idURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		clientID: clientID,
		helixURL: strings.TrimRight(helixURL, "/"),
		idURL:    strings.TrimRight(idURL, "/"),
		http:     &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "twitch-api",
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if c.metrics != nil {
				c.metrics.BreakerState.Set(breakerStateValue(to))
			}
		},
	})
	return c
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

type subscriptionBody struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

// CreateSubscription registers one topic on a websocket session.
// 401/403 yield an auth error, everything else that fails is transient.
func (c *Client) CreateSubscription(ctx context.Context, token string, req domain.SubscriptionRequest) error {
	body := subscriptionBody{
		Type:      req.Type,
		Version:   req.Version,
		Condition: map[string]string{"broadcaster_user_id": req.AccountID},
	}
	if body.Version == "" {
		body.Version = "1"
	}
	body.Transport.Method = "websocket"
	body.Transport.SessionID = req.SessionID

	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.InternalError("failed to encode subscription request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.helixURL+"/eventsub/subscriptions", bytes.NewReader(payload))
	if err != nil {
		return apperrors.InternalError("failed to build subscription request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq, token)

	res, err := c.do(httpReq, endpointSubscriptions)
	if err != nil {
		return apperrors.TransientError("subscription request failed", err).WithField("topic", req.Type)
	}

	switch {
	case res.ok():
		return nil
	case res.unauthorized():
		return apperrors.AuthError("credential rejected by subscription endpoint", res.apiError()).
			WithField("topic", req.Type).
			WithField("status", res.status)
	default:
		return apperrors.TransientError("subscription request rejected", res.apiError()).
			WithField("topic", req.Type).
			WithField("status", res.status)
	}
}

type validateBody struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ValidateToken asks the ID service whether token is still valid.
// Any non-2xx answer is an auth error; transport failures are transient.
func (c *Client) ValidateToken(ctx context.Context, token string) (*domain.TokenInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.idURL+"/oauth2/validate", nil)
	if err != nil {
		return nil, apperrors.InternalError("failed to build validate request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	res, err := c.do(httpReq, endpointValidate)
	if err != nil {
		return nil, apperrors.TransientError("token validation request failed", err)
	}
	if !res.ok() {
		return nil, apperrors.AuthError("token rejected by validate endpoint", res.apiError()).
			WithField("status", res.status)
	}

	var vb validateBody
	if err := json.Unmarshal(res.body, &vb); err != nil {
		return nil, apperrors.ProtocolError("malformed validate response", err)
	}
	if vb.UserID == "" {
		return nil, apperrors.ProtocolError("validate response without user_id", nil)
	}

	return &domain.TokenInfo{
		ClientID:  vb.ClientID,
		Login:     vb.Login,
		UserID:    vb.UserID,
		Scopes:    vb.Scopes,
		ExpiresIn: vb.ExpiresIn,
	}, nil
}

func (c *Client) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("User-Agent", version.UserAgent())
}

type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool { return r.status >= 200 && r.status < 300 }

func (r *response) unauthorized() bool {
	return r.status == http.StatusUnauthorized || r.status == http.StatusForbidden
}

func (r *response) apiError() *APIError {
	apiErr := &APIError{}
	_ = json.Unmarshal(r.body, apiErr)
	apiErr.StatusCode = r.status
	return apiErr
}

// do runs req through the breaker. Only transport failures count against it;
// any HTTP response, whatever its status, is returned without error.
func (c *Client) do(req *http.Request, endpoint string) (*response, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		return &response{status: resp.StatusCode, body: body}, nil
	})
	c.observe(endpoint, start, out, err)
	if err != nil {
		return nil, err
	}
	return out.(*response), nil
}

func (c *Client) observe(endpoint string, start time.Time, out interface{}, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.Duration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	status := "error"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "circuit_open"
	case err == nil:
		status = fmt.Sprintf("%dxx", out.(*response).status/100)
	}
	c.metrics.Requests.WithLabelValues(endpoint, status).Inc()
}
