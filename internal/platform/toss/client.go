package toss

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/mask"
	"github.com/promptcraft/billing/pkg/metrics"
)

const (
	defaultBaseURL = "https://api.tosspayments.com/v1"
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// Client talks to the Toss Payments REST API with the secret key.
type Client struct {
	baseURL string
	auth    string
	timeout time.Duration
	http    *http.Client
	log     *zap.SugaredLogger
	metrics *metrics.Recorder
}

type Options struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
	// HTTPClient is mostly for tests; its Timeout is ignored in favour of
	// the per-call context deadline.
	HTTPClient *http.Client
}

func NewClient(opts Options, log *zap.SugaredLogger, rec *metrics.Recorder) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		baseURL: base,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.SecretKey+":")),
		timeout: timeout,
		http:    hc,
		log:     log,
		metrics: rec,
	}
}

// NewGateway builds the production gateway from configuration.
func NewGateway(cfg *config.Config, log *zap.SugaredLogger, rec *metrics.Recorder) (Gateway, error) {
	if strings.TrimSpace(cfg.Toss.SecretKey) == "" {
		log.Warnw("toss_secret_key_missing")
	}
	return NewClient(Options{
		BaseURL:   cfg.Toss.APIBaseURL,
		SecretKey: cfg.Toss.SecretKey,
		Timeout:   cfg.Toss.Timeout,
	}, log, rec), nil
}

var Module = fx.Options(
	fx.Provide(NewGateway),
)

func (c *Client) ConfirmPayment(ctx context.Context, paymentKey, orderID string, amount int64) (*Payment, error) {
	raw, err := c.do(ctx, "confirm", http.MethodPost, "/payments/confirm", map[string]any{
		"paymentKey": paymentKey,
		"orderId":    orderID,
		"amount":     amount,
	}, nil)
	if err != nil {
		return nil, err
	}
	return parsePayment(raw), nil
}

func (c *Client) IssueBillingKey(ctx context.Context, authKey, customerKey string) (*BillingKey, error) {
	raw, err := c.do(ctx, "issue_billing_key", http.MethodPost, "/billing/authorizations/issue", map[string]any{
		"authKey":     authKey,
		"customerKey": customerKey,
	}, nil)
	if err != nil {
		return nil, err
	}
	return parseBillingKey(raw), nil
}

func (c *Client) ChargeBillingKey(ctx context.Context, req ChargeRequest) (*Payment, error) {
	raw, err := c.do(ctx, "charge_billing_key", http.MethodPost, "/billing/"+url.PathEscape(req.BillingKey), map[string]any{
		"customerKey": req.CustomerKey,
		"amount":      req.Amount,
		"orderId":     req.OrderID,
		"orderName":   req.OrderName,
	}, http.Header{"Idempotency-Key": []string{req.OrderID}})
	if err != nil {
		return nil, err
	}
	return parsePayment(raw), nil
}

func (c *Client) FetchPaymentByKey(ctx context.Context, paymentKey string) (*Payment, error) {
	raw, err := c.do(ctx, "fetch_payment", http.MethodGet, "/payments/"+url.PathEscape(paymentKey), nil, nil)
	if err != nil {
		return nil, err
	}
	return parsePayment(raw), nil
}

// do performs one request and decodes the body defensively. Non-2xx
// responses become *ProviderError carrying the decoded payload.
func (c *Client) do(ctx context.Context, op, method, path string, body any, header http.Header) (map[string]any, error) {
	start := time.Now()
	defer c.metrics.ObserveProcess("toss", op, start)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("toss %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("toss %s: build request: %w", op, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log := logctx.FromCtx(ctx, c.log).With("op", op, "path", maskPath(path))
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnw("toss_request_failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("toss %s: %w", op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("toss %s: read response: %w", op, err)
	}
	payload := decodeBody(b)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := &ProviderError{
			Op:      op,
			Status:  resp.StatusCode,
			Code:    stringField(payload, "code"),
			Message: stringField(payload, "message"),
			Payload: payload,
		}
		if pe.Message == "" {
			pe.Message = fmt.Sprintf("Toss Payments %s failed", op)
		}
		log.Warnw("toss_request_rejected", "status", pe.Status, "code", pe.Code, "message", pe.Message)
		return nil, pe
	}
	log.Debugw("toss_request_ok", "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
	return payload, nil
}

// maskPath hides the billing key segment of /billing/{key}/... routes.
func maskPath(path string) string {
	parts := strings.Split(path, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] != "billing" {
			continue
		}
		next := parts[i+1]
		if next == "authorizations" {
			if i+2 < len(parts) && parts[i+2] != "issue" {
				parts[i+2] = mask.Last4(parts[i+2])
			}
			continue
		}
		parts[i+1] = mask.Last4(next)
	}
	return strings.Join(parts, "/")
}
