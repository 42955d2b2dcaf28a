package toss

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Payment is the provider payment object as returned by confirm, charge
// and fetch. Every field is optional; Raw keeps the full body for audit.
type Payment struct {
	PaymentKey  string
	OrderID     string
	OrderName   string
	Status      string
	TotalAmount *int64
	// AmountMalformed is set when the amount was present but not a whole
	// number. TotalAmount is nil then.
	AmountMalformed bool
	Method          string
	Currency        string
	// CustomerKey is only present on billing-key charges.
	CustomerKey string
	RequestedAt *time.Time
	ApprovedAt  *time.Time
	Card        *Card
	Raw         map[string]any
}

// AmountDiffers reports whether the provider's amount is anything other than
// want. A missing amount does not differ; a malformed one always does.
func (p *Payment) AmountDiffers(want int64) bool {
	if p.AmountMalformed {
		return true
	}
	return p.TotalAmount != nil && *p.TotalAmount != want
}

type Card struct {
	Company string
	Number  string
	Type    string
}

type BillingKey struct {
	BillingKey  string
	CustomerKey string
	Method      string
	Card        *Card
	Raw         map[string]any
}

type ChargeRequest struct {
	BillingKey  string
	CustomerKey string
	Amount      int64
	OrderID     string
	OrderName   string
}

type RevokeResult struct {
	// Endpoint is the path that accepted the revoke.
	Endpoint string
	Fallback bool
	Raw      map[string]any
}

// RawJSON encodes the raw body for storage. It never fails for decoded maps.
func RawJSON(raw map[string]any) []byte {
	if raw == nil {
		raw = map[string]any{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func decodeBody(b []byte) map[string]any {
	out := map[string]any{}
	if len(b) == 0 {
		return out
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func parsePayment(raw map[string]any) *Payment {
	p := &Payment{
		PaymentKey:  stringField(raw, "paymentKey"),
		OrderID:     stringField(raw, "orderId"),
		OrderName:   stringField(raw, "orderName"),
		Status:      stringField(raw, "status"),
		Method:      stringField(raw, "method"),
		Currency:    stringField(raw, "currency"),
		CustomerKey: stringField(raw, "customerKey"),
		RequestedAt: timeField(raw, "requestedAt"),
		ApprovedAt:  timeField(raw, "approvedAt"),
		Card:        parseCard(raw),
		Raw:         raw,
	}
	key := "totalAmount"
	if _, ok := raw[key]; !ok {
		key = "amount"
	}
	var ok bool
	p.TotalAmount, ok = intField(raw, key)
	p.AmountMalformed = !ok
	return p
}

func parseBillingKey(raw map[string]any) *BillingKey {
	return &BillingKey{
		BillingKey:  stringField(raw, "billingKey"),
		CustomerKey: stringField(raw, "customerKey"),
		Method:      stringField(raw, "method"),
		Card:        parseCard(raw),
		Raw:         raw,
	}
}

func parseCard(raw map[string]any) *Card {
	m, ok := raw["card"].(map[string]any)
	if !ok {
		return nil
	}
	c := &Card{
		Company: stringField(m, "company"),
		Number:  stringField(m, "number"),
		Type:    stringField(m, "cardType"),
	}
	if c.Company == "" {
		c.Company = stringField(raw, "cardCompany")
	}
	if c.Company == "" {
		c.Company = stringField(m, "issuerCode")
	}
	return c
}

// stringField returns the value as sent. Identifiers are compared exactly,
// so no trimming happens here.
func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

// intField reads a whole number. ok is false when the key holds anything
// else; an absent or null key is ok with a nil result.
func intField(m map[string]any, key string) (*int64, bool) {
	switch v := m[key].(type) {
	case nil:
		return nil, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return &n, true
		}
		if f, err := v.Float64(); err == nil {
			return wholeNumber(f)
		}
	case float64:
		return wholeNumber(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return &n, true
		}
	}
	return nil, false
}

func wholeNumber(f float64) (*int64, bool) {
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return nil, false
	}
	n := int64(f)
	return &n, true
}

func timeField(m map[string]any, key string) *time.Time {
	s := stringField(m, key)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
