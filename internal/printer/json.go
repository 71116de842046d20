package printer

import (
	"encoding/json"
	"io"
	"os"

	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

// JSONPrinter emits relays as JSON lines.
type JSONPrinter struct {
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
}

// NewJSONPrinter creates a JSON printer writing to stdout.
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the output target, for tests.
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.out = w
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.encoder = encoder
}

type jsonRelayEnvelope struct {
	Type  string       `json:"type"`
	Relay *relay.Relay `json:"relay"`
}

type jsonRelayListEnvelope struct {
	Type   string         `json:"type"`
	Count  int            `json:"count"`
	Relays []*relay.Relay `json:"relays"`
}

// PrintRelay emits one relay.
func (p *JSONPrinter) PrintRelay(r *relay.Relay) error {
	err := p.encoder.Encode(jsonRelayEnvelope{Type: "relay", Relay: r})
	if err != nil && p.logger != nil {
		p.logger.Error("Failed to encode relay JSON", "error", err)
	}
	return err
}

// PrintRelayList emits a relay list envelope.
func (p *JSONPrinter) PrintRelayList(relays []*relay.Relay) error {
	err := p.encoder.Encode(jsonRelayListEnvelope{
		Type:   "relay_list",
		Count:  len(relays),
		Relays: relays,
	})
	if err != nil && p.logger != nil {
		p.logger.Error("Failed to encode relay list JSON", "error", err)
	}
	return err
}
