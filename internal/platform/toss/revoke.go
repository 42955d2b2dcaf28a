package toss

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// revokeFallbacks are tried in order when the primary DELETE route is
// refused with method-not-allowed.
var revokeFallbacks = []string{
	"/billing/%s/revoke",
	"/billing/%s/cancel",
	"/billing/authorizations/%s/revoke",
}

// RevokeBillingKey deletes a billing key at the provider. A 404 on a
// fallback route moves on to the next one; any other error stops and is
// returned. When every fallback 404s the primary error is returned.
func (c *Client) RevokeBillingKey(ctx context.Context, billingKey, customerKey string) (*RevokeResult, error) {
	key := url.PathEscape(billingKey)
	var body map[string]any
	if customerKey != "" {
		body = map[string]any{"customerKey": customerKey}
	}

	primary := "/billing/" + key
	raw, err := c.do(ctx, "revoke_billing_key", http.MethodDelete, primary, body, nil)
	if err == nil {
		return &RevokeResult{Endpoint: primary, Raw: raw}, nil
	}
	first, ok := AsProviderError(err)
	if !ok || !first.MethodNotAllowed() {
		return nil, err
	}

	for _, tmpl := range revokeFallbacks {
		path := fmt.Sprintf(tmpl, key)
		raw, err := c.do(ctx, "revoke_billing_key", http.MethodPost, path, body, nil)
		if err == nil {
			return &RevokeResult{Endpoint: path, Fallback: true, Raw: raw}, nil
		}
		if pe, ok := AsProviderError(err); ok && pe.NotFound() {
			continue
		}
		return nil, err
	}
	return nil, first
}
