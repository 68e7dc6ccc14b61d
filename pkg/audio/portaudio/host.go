// Package portaudio adapts the PortAudio host API to the [audio] device
// interfaces: a microphone [Capture] device and a [Speaker] playback device
// whose output clock is driven by the hardware callback.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var errClosed = errors.New("portaudio: output closed")

// PortAudio keeps a process-wide library handle; Initialize and Terminate are
// reference counted by the library itself but not safe to race.
var hostMu sync.Mutex

func acquireHost() error {
	hostMu.Lock()
	defer hostMu.Unlock()
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

func releaseHost() error {
	hostMu.Lock()
	defer hostMu.Unlock()
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Device describes one host audio device.
type Device struct {
	Index          int
	Name           string
	InputChannels  int
	OutputChannels int
	DefaultRate    float64
}

// Devices lists the host's audio devices.
func Devices() ([]Device, error) {
	if err := acquireHost(); err != nil {
		return nil, err
	}
	defer releaseHost() //nolint:errcheck

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]Device, 0, len(infos))
	for i, d := range infos {
		out = append(out, Device{
			Index:          i,
			Name:           d.Name,
			InputChannels:  d.MaxInputChannels,
			OutputChannels: d.MaxOutputChannels,
			DefaultRate:    d.DefaultSampleRate,
		})
	}
	return out, nil
}
