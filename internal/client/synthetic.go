package client

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"voxrelay/internal/core/domain"
)

// SyntheticDevices is a headless audio layer: the microphone produces a sine
// tone paced in real time. It backs the command-line client and the tests.
type SyntheticDevices struct {
	// Deny makes RequestPermission refuse.
	Deny bool
	// PermissionDelay simulates the user taking time to answer the prompt.
	PermissionDelay time.Duration
	// Frequency of the tone in Hz; 440 when zero.
	Frequency float64
	// Amplitude of the tone, 0..1; 0.25 when zero.
	Amplitude float64

	mu     sync.Mutex
	mics   []*SyntheticMicrophone
	opened int
	closed int
}

func (d *SyntheticDevices) RequestPermission(ctx context.Context) error {
	if d.PermissionDelay > 0 {
		t := time.NewTimer(d.PermissionDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if d.Deny {
		return domain.ErrPermissionDenied
	}
	return nil
}

func (d *SyntheticDevices) OpenMicrophone(ctx context.Context) (Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	freq := d.Frequency
	if freq == 0 {
		freq = 440
	}
	amp := d.Amplitude
	if amp == 0 {
		amp = 0.25
	}

	m := &SyntheticMicrophone{
		devices: d,
		step:    2 * math.Pi * freq / SampleRate,
		amp:     amp * math.MaxInt16,
		ticker:  time.NewTicker(FrameDuration),
		lost:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	d.mu.Lock()
	d.mics = append(d.mics, m)
	d.opened++
	d.mu.Unlock()
	return m, nil
}

// Counts reports how many microphones were opened and closed.
func (d *SyntheticDevices) Counts() (opened, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened, d.closed
}

// Unplug simulates the most recently opened microphone disappearing.
func (d *SyntheticDevices) Unplug() {
	d.mu.Lock()
	var m *SyntheticMicrophone
	if len(d.mics) > 0 {
		m = d.mics[len(d.mics)-1]
	}
	d.mu.Unlock()
	if m != nil {
		m.unplug()
	}
}

type SyntheticMicrophone struct {
	devices *SyntheticDevices
	step    float64
	amp     float64
	phase   float64
	ticker  *time.Ticker

	lostOnce  sync.Once
	lost      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (m *SyntheticMicrophone) ReadFrame(buf []int16) (int, error) {
	if err := m.gone(); err != nil {
		return 0, err
	}
	select {
	case <-m.closed:
		return 0, io.EOF
	case <-m.lost:
		return 0, domain.ErrDeviceAccess
	case <-m.ticker.C:
	}

	n := len(buf)
	if n > FrameSamples {
		n = FrameSamples
	}
	for i := 0; i < n; i++ {
		buf[i] = int16(m.amp * math.Sin(m.phase))
		m.phase += m.step
		if m.phase > 2*math.Pi {
			m.phase -= 2 * math.Pi
		}
	}
	return n, nil
}

// gone reports a closed or unplugged device ahead of a pending tick.
func (m *SyntheticMicrophone) gone() error {
	select {
	case <-m.closed:
		return io.EOF
	case <-m.lost:
		return domain.ErrDeviceAccess
	default:
		return nil
	}
}

func (m *SyntheticMicrophone) unplug() {
	m.lostOnce.Do(func() { close(m.lost) })
}

func (m *SyntheticMicrophone) Close() error {
	m.closeOnce.Do(func() {
		m.ticker.Stop()
		close(m.closed)
		m.devices.mu.Lock()
		m.devices.closed++
		m.devices.mu.Unlock()
	})
	return nil
}
