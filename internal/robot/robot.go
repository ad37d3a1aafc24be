// Package robot translates typed output and sensor requests into the wire
// protocol of each robot family. Adapters hold no state beyond their link.
package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/chaz8081/birdbridge/internal/notify"
)

// Link is the byte-stream a robot speaks over. *ble.UART satisfies it.
type Link interface {
	WriteBytes(ctx context.Context, payload []byte) error
	WriteBytesWithResponse(ctx context.Context, payload []byte) ([]byte, error)
	IsConnected() bool
	Disconnect() error
}

// Robot is a connected device of some family.
type Robot interface {
	// SetOutput drives one output. The result reports every write attempted,
	// including ones that succeeded before a later write failed.
	SetOutput(ctx context.Context, out Output) (OutputResult, error)
	// ReadSensor returns the converted value of the sensor on port as text.
	ReadSensor(ctx context.Context, sensor Sensor, port string) (string, error)
	IsConnected() bool
	Disconnect() error
	// Rename is accepted but not supported by current firmware; it only logs.
	Rename(ctx context.Context, name string) error
}

// Options carries the collaborators an adapter reports through.
type Options struct {
	Family string
	Logger *slog.Logger
	Sink   notify.Sink
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sink == nil {
		o.Sink = notify.Discard
	}
	return o
}

// WriteResult is the outcome of a single wire write.
type WriteResult struct {
	Channel string `json:"channel"`
	Err     error  `json:"-"`
}

// OutputResult aggregates the writes of one SetOutput call. OK is true only
// if every write succeeded. Hardware effects of successful writes are not
// rolled back when a later write fails.
type OutputResult struct {
	OK     bool
	Writes []WriteResult
}

// Err joins the errors of all failed writes, or returns nil.
func (r OutputResult) Err() error {
	var errs []error
	for _, w := range r.Writes {
		if w.Err != nil {
			errs = append(errs, w.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *OutputResult) record(channel string, err error) {
	r.Writes = append(r.Writes, WriteResult{Channel: channel, Err: err})
	r.OK = r.Err() == nil
}

// FormatValue renders a sensor value the way the UI has always received it:
// whole numbers keep a trailing ".0".
func FormatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

func reportAnomaly(ctx context.Context, opts Options, detail string, attrs ...any) {
	opts.Logger.Warn("[robot] protocol anomaly: "+detail, attrs...)
	opts.Sink.Notify(ctx, notify.New(notify.KindProtocolAnomaly, opts.Family, notify.Encode(detail)))
}

// drainStale discards RX data that arrived outside a request/response
// exchange, such as a reply that came after its timeout, and reports it.
func drainStale(ctx context.Context, link Link, opts Options) {
	d, ok := link.(interface{ Drain() []byte })
	if !ok {
		return
	}
	if stale := d.Drain(); len(stale) > 0 {
		reportAnomaly(ctx, opts, fmt.Sprintf("discarded %d unsolicited RX bytes %q", len(stale), stale))
	}
}

func renameUnsupported(opts Options, name string) error {
	opts.Logger.Warn("[robot] rename is not supported", "family", opts.Family, "name", name)
	return nil
}
