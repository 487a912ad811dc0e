package gateway

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Webhook event types.
const (
	EventChargeSuccess    = "charge.success"
	EventChargeFailed     = "charge.failed"
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"
)

var (
	// ErrUnknownEvent is returned for event types this service does not handle.
	ErrUnknownEvent = errors.New("gateway: unknown event type")
	// ErrMalformedEvent is returned when a known event fails its schema.
	ErrMalformedEvent = errors.New("gateway: malformed event")
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Event is one of ChargeSuccess, ChargeFailed, TransferSuccess, TransferFailed.
type Event interface {
	Type() string
	// Key identifies the event for deduplication: type plus gateway reference.
	Key() string
}

type ChargeSuccess struct {
	Reference string
	Amount    int64
	Currency  string
	Metadata  Metadata
}

func (ChargeSuccess) Type() string   { return EventChargeSuccess }
func (e ChargeSuccess) Key() string { return EventChargeSuccess + ":" + e.Reference }

type ChargeFailed struct {
	Reference       string
	Amount          int64
	GatewayResponse string
	Metadata        Metadata
}

func (ChargeFailed) Type() string   { return EventChargeFailed }
func (e ChargeFailed) Key() string { return EventChargeFailed + ":" + e.Reference }

type TransferSuccess struct {
	Reference    string
	TransferCode string
	Amount       int64
}

func (TransferSuccess) Type() string   { return EventTransferSuccess }
func (e TransferSuccess) Key() string { return EventTransferSuccess + ":" + e.Reference }

// TransferFailed covers both transfer.failed and transfer.reversed.
type TransferFailed struct {
	Event        string
	Reference    string
	TransferCode string
	Amount       int64
	Reason       string
}

func (e TransferFailed) Type() string { return e.Event }

// Key includes the transfer code when present: payout references are reused
// when a transfer is retried, and each attempt can fail on its own.
func (e TransferFailed) Key() string {
	if e.TransferCode != "" {
		return e.Event + ":" + e.Reference + ":" + e.TransferCode
	}
	return e.Event + ":" + e.Reference
}

// EventParser decodes webhook bodies into typed events after validating the
// data payload against the schema registered for its type.
type EventParser struct {
	schemas map[string]*jsonschema.Schema
}

func NewEventParser() (*EventParser, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read event schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		schemas[name], err = jsonschema.CompileString("https://tasklinker.dev/schemas/"+e.Name(), string(data))
		if err != nil {
			return nil, fmt.Errorf("compile event schema %q: %w", name, err)
		}
	}
	return &EventParser{schemas: schemas}, nil
}

// Parse returns ErrUnknownEvent (wrapped) for unhandled types and
// ErrMalformedEvent (wrapped) when the envelope or data is invalid.
func (p *EventParser) Parse(body []byte) (Event, error) {
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}
	schema, ok := p.schemas[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: %s: missing data", ErrMalformedEvent, env.Event)
	}
	var doc interface{}
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Event, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Event, err)
	}

	var data struct {
		Reference       string          `json:"reference"`
		Amount          int64           `json:"amount"`
		Currency        string          `json:"currency"`
		GatewayResponse *string         `json:"gateway_response"`
		TransferCode    *string         `json:"transfer_code"`
		Reason          *string         `json:"reason"`
		Metadata        json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Event, err)
	}

	switch env.Event {
	case EventChargeSuccess:
		return ChargeSuccess{
			Reference: data.Reference,
			Amount:    data.Amount,
			Currency:  data.Currency,
			Metadata:  decodeMetadata(data.Metadata),
		}, nil
	case EventChargeFailed:
		return ChargeFailed{
			Reference:       data.Reference,
			Amount:          data.Amount,
			GatewayResponse: deref(data.GatewayResponse),
			Metadata:        decodeMetadata(data.Metadata),
		}, nil
	case EventTransferSuccess:
		return TransferSuccess{
			Reference:    data.Reference,
			TransferCode: deref(data.TransferCode),
			Amount:       data.Amount,
		}, nil
	case EventTransferFailed, EventTransferReversed:
		return TransferFailed{
			Event:        env.Event,
			Reference:    data.Reference,
			TransferCode: deref(data.TransferCode),
			Amount:       data.Amount,
			Reason:       deref(data.Reason),
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
