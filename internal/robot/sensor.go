package robot

import "strings"

// Sensor selects the conversion applied to a port reading.
type Sensor int

const (
	Generic Sensor = iota
	Distance
	Temperature
	Soil
	Sound
	Light
	Knob
	Voltage
)

var sensorNames = map[Sensor]string{
	Generic:     "sensor",
	Distance:    "distance",
	Temperature: "temperature",
	Soil:        "soil",
	Sound:       "sound",
	Light:       "light",
	Knob:        "knob",
	Voltage:     "voltage",
}

func (s Sensor) String() string {
	if name, ok := sensorNames[s]; ok {
		return name
	}
	return "sensor"
}

// ParseSensor maps a sensor name to a Sensor. Unknown names read as Generic.
func ParseSensor(name string) Sensor {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range sensorNames {
		if n == name {
			return s
		}
	}
	return Generic
}
