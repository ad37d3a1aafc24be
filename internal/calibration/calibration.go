// Package calibration converts raw robot sensor bytes into physical units.
// The curves are fixed regressions for the BirdBrain sensor kit.
package calibration

import "math"

// PercentToRaw maps a percentage [0,100] onto a raw byte [0,255].
func PercentToRaw(percent float64) byte {
	return byte(Clamp(math.Round(percent*2.55), 0, 255))
}

// RawToPercent maps a raw byte onto a whole percentage.
func RawToPercent(raw byte) float64 {
	return math.Round(float64(raw) / 2.55)
}

// RawToTemperature converts a raw thermistor reading to degrees Celsius,
// truncated to two decimals.
func RawToTemperature(raw byte) float64 {
	celsius := (float64(raw)-127)/2.4 + 25
	return math.Floor(celsius*100) / 100
}

// RawToDistance converts a raw IR rangefinder reading to centimetres.
// Readings below the noise floor report 100cm, saturated readings 5cm.
func RawToDistance(raw byte) float64 {
	reading := float64(raw) * 4
	if reading < 130 {
		return 100
	}
	reading -= 120
	if reading > 680 {
		return 5
	}
	sq := reading * reading
	distance := sq*sq*reading*-0.000000000004789 +
		sq*sq*0.000000010057143 -
		sq*reading*0.000008279033021 +
		sq*0.003416264518201 -
		reading*0.756893112198934 +
		90.707167605683
	return math.Round(distance*100) / 100
}

// RawToSound scales a raw microphone reading to the 0 to 200 loudness range.
func RawToSound(raw byte) float64 {
	return math.Round(float64(raw) * 200 / 255)
}

// RawToVoltage converts a raw battery/voltage reading to volts.
func RawToVoltage(raw byte) float64 {
	return math.Round(float64(raw)*0.0406*100) / 100
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
