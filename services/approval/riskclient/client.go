// Package riskclient calls the external risk-scoring service that approves or
// denies observed software.
package riskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/upb/fleet-control-plane/internal/observability"
	"github.com/upb/fleet-control-plane/services"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 8 * time.Second
	defaultCallerID = "fleet-control-plane"
	maxResponseSize = 1 << 20
)

// ErrUpstreamUnavailable matches every failure returned by Assess
var ErrUpstreamUnavailable = services.ErrUpstreamUnavailable

// FailureKind classifies why the risk service could not produce an assessment
type FailureKind string

const (
	FailureNotConfigured FailureKind = "not_configured"
	FailureTimeout       FailureKind = "timeout"
	FailureUnreachable   FailureKind = "unreachable"
	FailureBadStatus     FailureKind = "bad_status"
	FailureMalformed     FailureKind = "malformed"
)

// Error is returned by Assess for any outcome that is not a usable assessment
type Error struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := "risk service " + string(e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrUpstreamUnavailable) hold for every kind
func (e *Error) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

// KindOf returns the failure kind carried by err, or FailureUnreachable for
// errors that did not come from this package
func KindOf(err error) FailureKind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return FailureUnreachable
}

// Config holds risk service settings
type Config struct {
	URL      string
	Timeout  time.Duration
	CallerID string
}

// Request identifies the software being assessed
type Request struct {
	ApplicationName string
	Organization    string
	Vendor          string
	Version         string
	ContentHash     string
	RequestedAt     time.Time
}

// Assessment is a decoded risk service answer
type Assessment struct {
	Authorized           bool
	Reason               string
	Confidence           *float64
	EvaluationConfidence *float64
	ToleranceThreshold   *float64
}

type verifyRequest struct {
	ApplicationName  string `json:"applicationName"`
	Organization     string `json:"organization,omitempty"`
	Vendor           string `json:"vendor"`
	Version          string `json:"version"`
	ContentHash      string `json:"contentHash"`
	RequestTimestamp string `json:"requestTimestamp"`
	CallerID         string `json:"callerId"`
}

type verifyResponse struct {
	Authorized           json.RawMessage `json:"authorized"`
	Reason               string          `json:"reason"`
	AIReason             string          `json:"aiReason"`
	Confidence           *float64        `json:"confidence"`
	EvaluationConfidence *float64        `json:"evaluationConfidence"`
	ToleranceThreshold   *float64        `json:"toleranceThreshold"`
}

// Client performs a single bounded HTTP call per assessment. It never retries.
type Client struct {
	url        string
	callerID   string
	timeout    time.Duration
	httpClient *http.Client
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewClient creates a risk service client. An empty URL yields a client whose
// Assess always fails with FailureNotConfigured.
func NewClient(cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CallerID == "" {
		cfg.CallerID = defaultCallerID
	}

	return &Client{
		url:      strings.TrimSpace(cfg.URL),
		callerID: cfg.CallerID,
		timeout:  cfg.Timeout,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: observability.HTTPTransport(http.DefaultTransport),
		},
		metrics: metrics,
		logger:  logger,
	}
}

// Enabled reports whether a risk service URL is configured
func (c *Client) Enabled() bool {
	return c.url != ""
}

// Assess asks the risk service whether the software may run
func (c *Client) Assess(ctx context.Context, req Request) (*Assessment, error) {
	if !c.Enabled() {
		return nil, &Error{Kind: FailureNotConfigured}
	}

	started := time.Now()
	assessment, err := c.do(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.RiskRequest(outcome, time.Since(started))

	if err != nil {
		c.logger.Warn("risk service call failed",
			zap.String("software", req.ApplicationName),
			zap.String("version", req.Version),
			zap.String("kind", string(KindOf(err))),
			zap.Duration("took", time.Since(started)),
			zap.Error(err))
		return nil, err
	}
	return assessment, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	requestedAt := req.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now()
	}

	body, err := json.Marshal(verifyRequest{
		ApplicationName:  req.ApplicationName,
		Organization:     req.Organization,
		Vendor:           req.Vendor,
		Version:          req.Version,
		ContentHash:      req.ContentHash,
		RequestTimestamp: requestedAt.UTC().Format(time.RFC3339),
		CallerID:         c.callerID,
	})
	if err != nil {
		return nil, &Error{Kind: FailureMalformed, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: FailureUnreachable, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
			return nil, &Error{Kind: FailureTimeout, Err: err}
		}
		return nil, &Error{Kind: FailureUnreachable, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: FailureTimeout, StatusCode: httpResp.StatusCode, Err: err}
		}
		return nil, &Error{Kind: FailureUnreachable, StatusCode: httpResp.StatusCode, Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &Error{Kind: FailureBadStatus, StatusCode: httpResp.StatusCode}
	}

	var resp verifyResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &Error{Kind: FailureMalformed, StatusCode: httpResp.StatusCode, Err: err}
	}

	authorized, err := parseAuthorized(resp.Authorized)
	if err != nil {
		return nil, &Error{Kind: FailureMalformed, StatusCode: httpResp.StatusCode, Err: err}
	}

	reason := strings.TrimSpace(resp.AIReason)
	if reason == "" {
		reason = strings.TrimSpace(resp.Reason)
	}

	return &Assessment{
		Authorized:           authorized,
		Reason:               reason,
		Confidence:           resp.Confidence,
		EvaluationConfidence: resp.EvaluationConfidence,
		ToleranceThreshold:   resp.ToleranceThreshold,
	}, nil
}

// parseAuthorized accepts 0/1 and, for lenient peers, false/true
func parseAuthorized(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, errors.New("authorized field missing")
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		switch n {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
		return false, fmt.Errorf("authorized must be 0 or 1, got %v", n)
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}

	return false, fmt.Errorf("authorized has unexpected value %s", string(raw))
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
