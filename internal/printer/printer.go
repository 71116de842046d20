package printer

import (
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

// Printer renders relay summaries for the CLI.
type Printer interface {
	PrintRelay(*relay.Relay) error
	PrintRelayList([]*relay.Relay) error
}

// New creates a printer for the given output mode.
func New(mode string, log logger.Logger) Printer {
	switch mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log)
	}
}
