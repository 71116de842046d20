package printer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

// ColorScheme maps relay attributes to terminal colors.
type ColorScheme struct {
	StatusQueued     *color.Color
	StatusProcessing *color.Color
	StatusCompleted  *color.Color
	StatusFailed     *color.Color
	StatusCancelled  *color.Color
	HeaderKey        *color.Color
	HeaderValue      *color.Color
	Separator        *color.Color
	Timestamp        *color.Color
	Destination      *color.Color
	FailureReason    *color.Color
	BodyContent      *color.Color
}

// NewColorScheme creates the default color scheme.
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		StatusQueued:     color.New(color.FgBlue, color.Bold),
		StatusProcessing: color.New(color.FgYellow, color.Bold),
		StatusCompleted:  color.New(color.FgGreen, color.Bold),
		StatusFailed:     color.New(color.FgRed, color.Bold),
		StatusCancelled:  color.New(color.FgHiBlack, color.Bold),
		HeaderKey:        color.New(color.FgCyan),
		HeaderValue:      color.New(color.FgWhite),
		Separator:        color.New(color.FgYellow, color.Bold),
		Timestamp:        color.New(color.FgHiBlack),
		Destination:      color.New(color.FgHiBlue),
		FailureReason:    color.New(color.FgHiRed, color.Bold),
		BodyContent:      color.New(color.FgWhite),
	}
}

// ConsolePrinter renders relays for a terminal.
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	out         io.Writer
}

// NewConsolePrinter creates a new console printer.
func NewConsolePrinter(log logger.Logger) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		out:         os.Stdout,
	}
}

// SetOutput replaces the output target, for tests.
func (p *ConsolePrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.out = w
}

// getTerminalWidth gets the current terminal width with fallback.
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("HOOKRELAY_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	if width < 40 {
		return 40
	}
	if width > 150 {
		return 150
	}
	return width
}

// PrintRelayList renders a compact one-line-per-relay table.
func (p *ConsolePrinter) PrintRelayList(relays []*relay.Relay) error {
	width := p.getTerminalWidth()
	separator := strings.Repeat("-", width)

	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "%-8s %-12s %-16s %-10s %-8s %s\n",
		"ID", "STATUS", "SOURCE", "ATTEMPTS", "SIZE", "DESTINATION")
	p.colorScheme.Separator.Fprintln(p.out, separator)

	for _, r := range relays {
		statusColor := p.getStatusColor(r.Status)
		fmt.Fprintf(p.out, "%-8d ", r.ID)
		statusColor.Fprintf(p.out, "%-12s ", strings.ToUpper(string(r.Status)))
		fmt.Fprintf(p.out, "%-16s %-10s %-8s ",
			truncate(r.Source, 16),
			fmt.Sprintf("%d/%d", r.Attempts, r.MaxAttempts),
			humanize.Bytes(uint64(len(r.Payload))),
		)
		dest := truncate(r.DestinationURL, width-50)
		p.colorScheme.Destination.Fprintln(p.out, dest)
	}

	p.colorScheme.Separator.Fprintln(p.out, separator)
	fmt.Fprintf(p.out, "%d relays\n", len(relays))
	return nil
}

// PrintRelay renders one relay in full.
func (p *ConsolePrinter) PrintRelay(r *relay.Relay) error {
	width := p.getTerminalWidth()
	separator := strings.Repeat("-", width)

	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "Relay #%d  ", r.ID)
	p.getStatusColor(r.Status).Fprintln(p.out, strings.ToUpper(string(r.Status)))
	p.colorScheme.Separator.Fprintln(p.out, separator)

	p.printField("Source", r.Source)
	if r.DestinationURL != "" {
		p.printField("Destination", fmt.Sprintf("%s %s", r.DestinationMethod, r.DestinationURL))
	}
	p.printField("Mode", string(r.Mode))
	p.printField("Attempts", fmt.Sprintf("%d/%d", r.Attempts, r.MaxAttempts))
	p.printField("Captured", p.formatTime(r.CreatedAt))
	if r.NextRetryAt != nil {
		p.printField("Next retry", p.formatTime(*r.NextRetryAt))
	}
	if r.CompletedAt != nil {
		p.printField("Resolved", p.formatTime(*r.CompletedAt))
	}
	if r.LastAttemptDurationMs != nil {
		p.printField("Last attempt", fmt.Sprintf("%dms", *r.LastAttemptDurationMs))
	}
	if r.ResponseStatus != nil {
		p.printField("Response", strconv.Itoa(*r.ResponseStatus))
	}
	if r.FailureReason != nil {
		p.colorScheme.HeaderKey.Fprint(p.out, "Failure: ")
		p.colorScheme.FailureReason.Fprintln(p.out, r.FailureReason.String())
	}

	p.printHeaders(r.Headers)
	fmt.Fprintln(p.out)
	p.printPayload(r.Payload)
	fmt.Fprintln(p.out)
	return nil
}

func (p *ConsolePrinter) printField(key, value string) {
	p.colorScheme.HeaderKey.Fprintf(p.out, "%s: ", key)
	p.colorScheme.HeaderValue.Fprintln(p.out, value)
}

func (p *ConsolePrinter) formatTime(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Format("2006-01-02T15:04:05-07:00"), humanize.Time(t))
}

func (p *ConsolePrinter) printHeaders(headers map[string]string) {
	if len(headers) == 0 {
		return
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Fprintln(p.out)
	for _, key := range keys {
		p.colorScheme.HeaderKey.Fprintf(p.out, "%s: ", key)
		p.colorScheme.HeaderValue.Fprintln(p.out, headers[key])
	}
}

func (p *ConsolePrinter) printPayload(payload []byte) {
	size := humanize.Bytes(uint64(len(payload)))
	if len(payload) == 0 {
		p.colorScheme.BodyContent.Fprintf(p.out, "[Empty Payload - %s]\n", size)
		return
	}
	if !utf8.Valid(payload) {
		p.colorScheme.BodyContent.Fprintf(p.out, "[Binary Payload: %s. Content skipped.]\n", size)
		return
	}

	// pretty print JSON payloads, fall back to raw text
	var pretty bytes.Buffer
	if json.Valid(payload) && json.Indent(&pretty, payload, "", "  ") == nil {
		p.colorScheme.BodyContent.Fprintln(p.out, pretty.String())
		return
	}
	p.colorScheme.BodyContent.Fprintln(p.out, string(payload))
}

func (p *ConsolePrinter) getStatusColor(status relay.Status) *color.Color {
	switch status {
	case relay.StatusQueued:
		return p.colorScheme.StatusQueued
	case relay.StatusProcessing:
		return p.colorScheme.StatusProcessing
	case relay.StatusCompleted:
		return p.colorScheme.StatusCompleted
	case relay.StatusFailed:
		return p.colorScheme.StatusFailed
	case relay.StatusCancelled:
		return p.colorScheme.StatusCancelled
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
