package toss

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

const EventBillingDeleted = "BILLING_DELETED"

var ErrInvalidEvent = errors.New("toss: webhook body is not a JSON object")

// Event is a decoded webhook delivery. The provider nests the object under
// data or payment depending on the event; older deliveries send it flat.
type Event struct {
	EventType   string
	Payment     *Payment
	CustomerKey string
	BillingKey  string
	Raw         map[string]any
}

func (e *Event) BillingDeleted() bool {
	return strings.EqualFold(e.EventType, EventBillingDeleted)
}

// ParseEvent decodes a webhook body. Unlike provider responses a body that
// is not a JSON object is rejected.
func ParseEvent(body []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrInvalidEvent
	}

	ev := &Event{EventType: stringField(raw, "eventType"), Raw: raw}
	if ev.EventType == "" {
		ev.EventType = stringField(raw, "type")
	}
	data := raw
	for _, key := range []string{"data", "payment"} {
		if m, ok := raw[key].(map[string]any); ok {
			data = m
			break
		}
	}
	ev.Payment = parsePayment(data)
	ev.CustomerKey = stringField(data, "customerKey")
	ev.BillingKey = stringField(data, "billingKey")
	return ev, nil
}
