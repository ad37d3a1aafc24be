package handler

import (
	"github.com/chaz8081/birdbridge/internal/ble"
	"github.com/chaz8081/birdbridge/internal/robot"
)

// Family describes one robot hardware line: how to find it, how to talk to
// it, and the response bodies its UI expects.
type Family struct {
	Name     string // event key, e.g. "hummingbird"
	Route    string // URL segment
	Settings ble.UARTSettings
	New      func(link robot.Link, opts robot.Options) robot.Robot

	OutMessage        string // body returned after an output command
	DisconnectMessage string
}

// ServiceUUID is the advertised service used to filter scans.
func (f Family) ServiceUUID() string { return f.Settings.ServiceUUID }

// Hummingbird returns the Hummingbird Duo family.
func Hummingbird() Family {
	return Family{
		Name:  "hummingbird",
		Route: "hummingbird",
		Settings: ble.UARTSettings{
			ServiceUUID:  "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
			TxCharUUID:   "6E400002-B5A3-F393-E0A9-E50E24DCCA9E",
			RxCharUUID:   "6E400003-B5A3-F393-E0A9-E50E24DCCA9E",
			RxConfigUUID: ble.ClientConfigUUID,
		},
		New: func(link robot.Link, opts robot.Options) robot.Robot {
			return robot.NewHummingbird(link, opts)
		},
		OutMessage:        "Connected to Hummingbird successfully.",
		DisconnectMessage: "Hummingbird disconnected successfully.",
	}
}

// Flutter returns the Flutter family.
func Flutter() Family {
	return Family{
		Name:  "flutter",
		Route: "flutter",
		Settings: ble.UARTSettings{
			ServiceUUID:  "BC2F4CC6-AAEF-4351-9034-D66268E328F0",
			TxCharUUID:   "06D1E5E7-79AD-4A71-8FAA-373789F7D93C",
			RxCharUUID:   "818AE306-9C5B-448D-B51A-7ADD6A5D314D",
			RxConfigUUID: ble.ClientConfigUUID,
		},
		New: func(link robot.Link, opts robot.Options) robot.Robot {
			return robot.NewFlutter(link, opts)
		},
		OutMessage: "Connected to Flutter successfully.",
	}
}

// WithOverrides returns f with every non-empty UUID in o replacing the
// built-in one.
func (f Family) WithOverrides(o ble.UARTSettings) Family {
	if o.ServiceUUID != "" {
		f.Settings.ServiceUUID = o.ServiceUUID
	}
	if o.TxCharUUID != "" {
		f.Settings.TxCharUUID = o.TxCharUUID
	}
	if o.RxCharUUID != "" {
		f.Settings.RxCharUUID = o.RxCharUUID
	}
	if o.RxConfigUUID != "" {
		f.Settings.RxConfigUUID = o.RxConfigUUID
	}
	return f
}
