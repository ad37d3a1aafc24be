package robot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/birdbridge/internal/domain"
	"github.com/chaz8081/birdbridge/internal/notify"
)

func newTestHummingbird() (*Hummingbird, *mockLink, *eventRecorder) {
	link := newMockLink()
	rec := &eventRecorder{}
	return NewHummingbird(link, Options{Sink: rec}), link, rec
}

func TestHummingbirdOutputEncoding(t *testing.T) {
	tests := []struct {
		name string
		out  Output
		want []byte
	}{
		{"led", LED{Port: 1, Intensity: 100}, []byte{'L', '0', 255}},
		{"led clamped", LED{Port: 4, Intensity: 150}, []byte{'L', '3', 255}},
		{"triled", TriLED{Port: 2, Red: 100, Green: 0, Blue: 20}, []byte{'O', '1', 255, 0, 51}},
		{"motor forward", Motor{Port: 1, Speed: 100}, []byte{'M', '0', '0', 255}},
		{"motor reverse", Motor{Port: 2, Speed: -100}, []byte{'M', '1', '1', 255}},
		{"motor clamped", Motor{Port: 1, Speed: -300}, []byte{'M', '0', '1', 255}},
		{"vibration", Vibration{Port: 1, Intensity: 0}, []byte{'V', '0', 0}},
		{"servo max", Servo{Port: 3, Angle: 180}, []byte{'S', '2', 225}},
		{"servo over", Servo{Port: 3, Angle: 270}, []byte{'S', '2', 225}},
		{"servo under", Servo{Port: 1, Angle: -10}, []byte{'S', '0', 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, link, _ := newTestHummingbird()
			res, err := h.SetOutput(context.Background(), tt.out)
			require.NoError(t, err)
			assert.True(t, res.OK)
			assert.Equal(t, []string{string(tt.want)}, link.written())
		})
	}
}

func TestHummingbirdTriLEDIsSingleWrite(t *testing.T) {
	h, link, _ := newTestHummingbird()
	link.failOn[0] = true

	res, err := h.SetOutput(context.Background(), TriLED{Port: 1, Red: 10, Green: 20, Blue: 30})
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.False(t, res.OK)
	assert.Len(t, res.Writes, 1)
	assert.Len(t, link.written(), 1)
}

func TestHummingbirdRejectsBadPort(t *testing.T) {
	h, link, _ := newTestHummingbird()

	_, err := h.SetOutput(context.Background(), Motor{Port: 3, Speed: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.SetOutput(context.Background(), LED{Port: 0, Intensity: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, link.written())
}

func TestHummingbirdReadSensor(t *testing.T) {
	tests := []struct {
		sensor Sensor
		port   string
		want   string
	}{
		{Temperature, "1", "25.0"},
		{Light, "3", "100.0"},
		{Knob, "2", "0.0"},
		{Sound, "3", "200.0"},
		{Voltage, "4", "4.06"},
		{Distance, "2", "100.0"},
		{Generic, "4", "39.0"},
	}
	for _, tt := range tests {
		h, link, _ := newTestHummingbird()
		link.response = []byte{127, 0, 255, 100}

		got, err := h.ReadSensor(context.Background(), tt.sensor, tt.port)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "sensor %s port %s", tt.sensor, tt.port)
		assert.Equal(t, []string{"G3"}, link.written())
	}
}

func TestHummingbirdShortFrame(t *testing.T) {
	h, link, rec := newTestHummingbird()
	link.response = []byte{1, 2}

	_, err := h.ReadSensor(context.Background(), Light, "1")
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.Equal(t, []notify.Kind{notify.KindProtocolAnomaly}, rec.kinds())
}

func TestHummingbirdReadBadPort(t *testing.T) {
	h, link, _ := newTestHummingbird()

	for _, port := range []string{"0", "5", "a", ""} {
		_, err := h.ReadSensor(context.Background(), Light, port)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "port %q", port)
	}
	assert.Empty(t, link.written())
}

func TestHummingbirdReadReportsStaleRXData(t *testing.T) {
	h, link, rec := newTestHummingbird()
	link.stale = []byte{1, 2}
	link.response = []byte{0, 0, 0, 0}

	_, err := h.ReadSensor(context.Background(), Light, "1")
	require.NoError(t, err)
	assert.Equal(t, []notify.Kind{notify.KindProtocolAnomaly}, rec.kinds())
}
