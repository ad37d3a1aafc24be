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

// Hummingbird Duo commands. Each is the command byte, the zero-based port as
// an ASCII digit, then raw value bytes.
const (
	hbLED         = 'L'
	hbTriLED      = 'O'
	hbMotor       = 'M'
	hbVibration   = 'V'
	hbServo       = 'S'
	hbSensorPorts = 4
)

var hbReadSensors = []byte("G3")

// Hummingbird drives a Hummingbird Duo. Ports are numbered from 1.
type Hummingbird struct {
	link Link
	opts Options
}

// NewHummingbird wraps an open link.
func NewHummingbird(link Link, opts Options) *Hummingbird {
	if opts.Family == "" {
		opts.Family = "hummingbird"
	}
	return &Hummingbird{link: link, opts: opts.withDefaults()}
}

var _ Robot = (*Hummingbird)(nil)

// hbPortLimits is the number of ports per output kind on the Duo.
var hbPortLimits = map[string]int{
	"led":       4,
	"triled":    2,
	"motor":     2,
	"vibration": 2,
	"servo":     4,
}

func (h *Hummingbird) SetOutput(ctx context.Context, out Output) (OutputResult, error) {
	limit, ok := hbPortLimits[out.Kind()]
	if !ok {
		return OutputResult{}, domain.NewError("Hummingbird.SetOutput", domain.ErrUnsupported, out.Kind())
	}
	if p := out.PortNumber(); p < 1 || p > limit {
		return OutputResult{}, domain.NewError("Hummingbird.SetOutput", domain.ErrInvalidInput,
			fmt.Sprintf("%s port %d", out.Kind(), p))
	}
	port := hbPort(out.PortNumber())

	var cmd []byte
	switch o := out.(type) {
	case LED:
		cmd = []byte{hbLED, port, calibration.PercentToRaw(o.Intensity)}
	case TriLED:
		cmd = []byte{hbTriLED, port,
			calibration.PercentToRaw(o.Red),
			calibration.PercentToRaw(o.Green),
			calibration.PercentToRaw(o.Blue)}
	case Motor:
		speed := calibration.Clamp(o.Speed, -100, 100)
		direction := byte('0')
		if speed < 0 {
			direction = '1'
		}
		cmd = []byte{hbMotor, port, direction, calibration.PercentToRaw(math.Abs(speed))}
	case Vibration:
		cmd = []byte{hbVibration, port, calibration.PercentToRaw(o.Intensity)}
	case Servo:
		degrees := calibration.Clamp(o.Angle, 0, 180)
		cmd = []byte{hbServo, port, byte(math.Round(degrees * 225 / 180))}
	default:
		return OutputResult{}, domain.NewError("Hummingbird.SetOutput", domain.ErrUnsupported, out.Kind())
	}

	var res OutputResult
	res.record(out.Kind(), h.link.WriteBytes(ctx, cmd))
	if err := res.Err(); err != nil {
		h.opts.Logger.Warn("[robot] hummingbird output failed", "kind", out.Kind(), "port", out.PortNumber(), "error", err)
		return res, err
	}
	return res, nil
}

func hbPort(port int) byte {
	return byte('0' + port - 1)
}

func (h *Hummingbird) ReadSensor(ctx context.Context, sensor Sensor, port string) (string, error) {
	p, err := strconv.Atoi(strings.TrimSpace(port))
	if err != nil || p < 1 || p > hbSensorPorts {
		return "", domain.NewError("Hummingbird.ReadSensor", domain.ErrInvalidInput, "port "+port)
	}

	drainStale(ctx, h.link, h.opts)
	frame, err := h.link.WriteBytesWithResponse(ctx, hbReadSensors)
	if err != nil {
		return "", err
	}
	if len(frame) < hbSensorPorts {
		detail := fmt.Sprintf("sensor frame has %d bytes, want %d", len(frame), hbSensorPorts)
		reportAnomaly(ctx, h.opts, detail, "frame", frame)
		return "", domain.NewError("Hummingbird.ReadSensor", domain.ErrProtocol, detail)
	}

	raw := frame[p-1]
	switch sensor {
	case Distance:
		return FormatValue(calibration.RawToDistance(raw)), nil
	case Temperature:
		return FormatValue(calibration.RawToTemperature(raw)), nil
	case Sound:
		return FormatValue(calibration.RawToSound(raw)), nil
	case Voltage:
		return FormatValue(calibration.RawToVoltage(raw)), nil
	case Soil:
		return FormatValue(calibration.Clamp(calibration.RawToPercent(raw), 0, 90)), nil
	default:
		return FormatValue(calibration.RawToPercent(raw)), nil
	}
}

func (h *Hummingbird) IsConnected() bool { return h.link.IsConnected() }

func (h *Hummingbird) Disconnect() error { return h.link.Disconnect() }

func (h *Hummingbird) Rename(_ context.Context, name string) error {
	return renameUnsupported(h.opts, name)
}
