package robot

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/chaz8081/birdbridge/internal/domain"
)

// Output is one of the output variants below. The set is closed.
type Output interface {
	Kind() string
	PortNumber() int
	isOutput()
}

// Servo sets a servo position. Angle is a percentage of travel [0,100] on
// Flutter and degrees [0,180] on Hummingbird; both encode to a byte in [0,225].
type Servo struct {
	Port  int
	Angle float64
}

// TriLED sets a tri-colour LED. Channels are percentages.
type TriLED struct {
	Port             int
	Red, Green, Blue float64
}

// LED sets a single-colour LED intensity percentage.
type LED struct {
	Port      int
	Intensity float64
}

// Motor sets a motor speed percentage in [-100,100]; negative runs in reverse.
type Motor struct {
	Port  int
	Speed float64
}

// Vibration sets a vibration motor intensity percentage.
type Vibration struct {
	Port      int
	Intensity float64
}

func (Servo) Kind() string     { return "servo" }
func (TriLED) Kind() string    { return "triled" }
func (LED) Kind() string       { return "led" }
func (Motor) Kind() string     { return "motor" }
func (Vibration) Kind() string { return "vibration" }

func (o Servo) PortNumber() int     { return o.Port }
func (o TriLED) PortNumber() int    { return o.Port }
func (o LED) PortNumber() int       { return o.Port }
func (o Motor) PortNumber() int     { return o.Port }
func (o Vibration) PortNumber() int { return o.Port }

func (Servo) isOutput()     {}
func (TriLED) isOutput()    {}
func (LED) isOutput()       {}
func (Motor) isOutput()     {}
func (Vibration) isOutput() {}

// ParseOutput builds an Output from an output kind and its query parameters.
// Unknown kinds fail with domain.ErrUnsupported; missing or malformed numbers
// fail with domain.ErrInvalidInput.
func ParseOutput(kind string, q url.Values) (Output, error) {
	kind = strings.ToLower(kind)
	switch kind {
	case "servo", "triled", "led", "motor", "vibration":
	default:
		return nil, domain.NewError("robot.ParseOutput", domain.ErrUnsupported, kind)
	}

	port, err := intParam(q, "port")
	if err != nil {
		return nil, err
	}

	switch kind {
	case "servo":
		angle, err := floatParam(q, "angle")
		if err != nil {
			return nil, err
		}
		return Servo{Port: port, Angle: angle}, nil
	case "triled":
		r, err := floatParam(q, "red")
		if err != nil {
			return nil, err
		}
		g, err := floatParam(q, "green")
		if err != nil {
			return nil, err
		}
		b, err := floatParam(q, "blue")
		if err != nil {
			return nil, err
		}
		return TriLED{Port: port, Red: r, Green: g, Blue: b}, nil
	case "led":
		v, err := floatParam(q, "intensity")
		if err != nil {
			return nil, err
		}
		return LED{Port: port, Intensity: v}, nil
	case "motor":
		v, err := floatParam(q, "speed")
		if err != nil {
			return nil, err
		}
		return Motor{Port: port, Speed: v}, nil
	default:
		v, err := floatParam(q, "intensity")
		if err != nil {
			return nil, err
		}
		return Vibration{Port: port, Intensity: v}, nil
	}
}

func intParam(q url.Values, key string) (int, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return 0, domain.NewError("robot.ParseOutput", domain.ErrInvalidInput, "missing "+key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewError("robot.ParseOutput", domain.ErrInvalidInput, fmt.Sprintf("%s=%q", key, raw))
	}
	return v, nil
}

func floatParam(q url.Values, key string) (float64, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return 0, domain.NewError("robot.ParseOutput", domain.ErrInvalidInput, "missing "+key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, domain.NewError("robot.ParseOutput", domain.ErrInvalidInput, fmt.Sprintf("%s=%q", key, raw))
	}
	return v, nil
}
