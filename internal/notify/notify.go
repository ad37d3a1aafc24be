// Package notify carries one-way discovery and device events from the bridge to
// the browser UI.
package notify

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Kind identifies the event delivered to the UI.
type Kind string

const (
	KindDiscovered         Kind = "discovered"
	KindDiscoverTimeout    Kind = "discoverTimeout"
	KindStopDiscover       Kind = "stopDiscover"
	KindProtocolAnomaly    Kind = "protocolAnomaly"
	KindDeviceDisconnected Kind = "deviceDisconnected"
)

// Event is a single notification keyed by robot family.
type Event struct {
	Kind    Kind      `json:"kind"`
	Family  string    `json:"family"`
	Payload string    `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// New returns an Event stamped with the current time.
func New(kind Kind, family, payload string) Event {
	return Event{Kind: kind, Family: family, Payload: payload, Time: time.Now()}
}

// Sink receives events. Implementations must not block the caller for long;
// scan callbacks publish through it.
type Sink interface {
	Notify(ctx context.Context, event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event)

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Encode escapes a payload so it survives being embedded in a JavaScript
// string literal on the UI side. Spaces are encoded as %20, matching
// encodeURIComponent.
func Encode(payload string) string {
	return strings.ReplaceAll(url.QueryEscape(payload), "+", "%20")
}

// Decode reverses Encode.
func Decode(payload string) (string, error) {
	return url.QueryUnescape(payload)
}
