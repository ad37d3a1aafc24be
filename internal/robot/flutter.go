package robot

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chaz8081/birdbridge/internal/calibration"
	"github.com/chaz8081/birdbridge/internal/domain"
)

// Flutter wire format: ASCII "s" + output class + port + "," + hex value.
const (
	flutterSet      = 's'
	flutterRead     = 'r'
	flutterServo    = 's'
	flutterTriRed   = 'r'
	flutterTriGreen = 'g'
	flutterTriBlue  = 'b'
	flutterMaxPort  = 9
)

// Flutter drives a Flutter board.
type Flutter struct {
	link Link
	opts Options
}

// NewFlutter wraps an open link.
func NewFlutter(link Link, opts Options) *Flutter {
	if opts.Family == "" {
		opts.Family = "flutter"
	}
	return &Flutter{link: link, opts: opts.withDefaults()}
}

var _ Robot = (*Flutter)(nil)

func (f *Flutter) SetOutput(ctx context.Context, out Output) (OutputResult, error) {
	switch out.(type) {
	case Servo, TriLED:
	default:
		return OutputResult{}, domain.NewError("Flutter.SetOutput", domain.ErrUnsupported, out.Kind())
	}
	if p := out.PortNumber(); p < 0 || p > flutterMaxPort {
		return OutputResult{}, domain.NewError("Flutter.SetOutput", domain.ErrInvalidInput, fmt.Sprintf("port %d", p))
	}

	var res OutputResult
	switch o := out.(type) {
	case Servo:
		percent := calibration.Clamp(o.Angle, 0, 100)
		value := byte(calibration.Clamp(math.Round(percent*1.25), 0, 225))
		res.record("servo", f.link.WriteBytes(ctx, flutterCommand(flutterServo, o.Port, value)))
	case TriLED:
		// Three independent writes; each is attempted even if an earlier one
		// failed.
		channels := []struct {
			name    string
			class   byte
			percent float64
		}{
			{"red", flutterTriRed, o.Red},
			{"green", flutterTriGreen, o.Green},
			{"blue", flutterTriBlue, o.Blue},
		}
		for _, c := range channels {
			value := byte(calibration.Clamp(math.Round(c.percent), 0, 100))
			res.record(c.name, f.link.WriteBytes(ctx, flutterCommand(c.class, o.Port, value)))
		}
	}

	if err := res.Err(); err != nil {
		f.opts.Logger.Warn("[robot] flutter output failed", "kind", out.Kind(), "port", out.PortNumber(), "error", err)
		return res, err
	}
	return res, nil
}

func flutterCommand(class byte, port int, value byte) []byte {
	return fmt.Appendf(nil, "%c%c%d,%x", flutterSet, class, port, value)
}

func (f *Flutter) ReadSensor(ctx context.Context, sensor Sensor, port string) (string, error) {
	idx, err := strconv.Atoi(strings.TrimSpace(port))
	if err != nil || idx < 0 {
		return "", domain.NewError("Flutter.ReadSensor", domain.ErrInvalidInput, "port "+port)
	}

	drainStale(ctx, f.link, f.opts)
	frame, err := f.link.WriteBytesWithResponse(ctx, []byte{flutterRead})
	if err != nil {
		return "", err
	}

	fields := f.splitFrame(ctx, frame)
	if idx >= len(fields) {
		return "", domain.NewError("Flutter.ReadSensor", domain.ErrProtocol,
			fmt.Sprintf("port %d not in response %q", idx, frame))
	}
	field := strings.TrimSpace(fields[idx])

	switch sensor {
	case Distance, Temperature, Soil:
		percent, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return "", domain.NewError("Flutter.ReadSensor", domain.ErrProtocol, fmt.Sprintf("value %q", field))
		}
		switch sensor {
		case Distance:
			return FormatValue(calibration.RawToDistance(calibration.PercentToRaw(percent))), nil
		case Temperature:
			return FormatValue(calibration.RawToTemperature(calibration.PercentToRaw(percent))), nil
		default:
			return FormatValue(calibration.Clamp(percent, 0, 90)), nil
		}
	default:
		return field, nil
	}
}

// splitFrame strips the echoed read command and splits the per-port values.
// A frame that does not start with the echo is reported and parsed as-is.
func (f *Flutter) splitFrame(ctx context.Context, frame []byte) []string {
	body := string(frame)
	if len(frame) > 0 && frame[0] == flutterRead {
		body = strings.TrimPrefix(body[1:], ",")
	} else {
		reportAnomaly(ctx, f.opts, fmt.Sprintf("read response %q does not echo the read command", frame))
	}
	return strings.Split(body, ",")
}

func (f *Flutter) IsConnected() bool { return f.link.IsConnected() }

func (f *Flutter) Disconnect() error { return f.link.Disconnect() }

func (f *Flutter) Rename(_ context.Context, name string) error {
	return renameUnsupported(f.opts, name)
}
