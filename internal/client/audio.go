package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Capture format shared by the microphone, the graph and the PCMU track.
const (
	SampleRate    = 8000
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate / 50
)

// AudioDevices is the platform audio layer.
type AudioDevices interface {
	// RequestPermission asks the user for microphone access. A refusal
	// must wrap domain.ErrPermissionDenied.
	RequestPermission(ctx context.Context) error
	OpenMicrophone(ctx context.Context) (Microphone, error)
}

// Microphone delivers 8 kHz mono frames.
type Microphone interface {
	// ReadFrame blocks until one frame is captured. An unplugged device
	// reports an error wrapping domain.ErrDeviceAccess.
	ReadFrame(buf []int16) (int, error)
	Close() error
}

// Recorder receives the encoded graph output.
type Recorder interface {
	WriteFrame(payload []byte) error
	Close() error
}

// FrameSink consumes one encoded PCMU frame.
type FrameSink func(payload []byte)

var errRecorderClosed = errors.New("recorder closed")

// AudioGraph pumps microphone frames through a gain stage and the PCMU
// encoder into the sink and an optional recorder. Nothing is emitted while
// muted, but the microphone keeps being read so device loss is noticed.
type AudioGraph struct {
	mic     Microphone
	sink    FrameSink
	onError func(error)

	gain  atomic.Uint64
	muted atomic.Bool

	recMu    sync.Mutex
	recorder Recorder

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewAudioGraph(mic Microphone, sink FrameSink, onError func(error)) *AudioGraph {
	g := &AudioGraph{
		mic:     mic,
		sink:    sink,
		onError: onError,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	g.SetGain(1)
	return g
}

func (g *AudioGraph) SetGain(v float64) {
	if v < 0 {
		v = 0
	}
	g.gain.Store(math.Float64bits(v))
}

func (g *AudioGraph) Gain() float64 {
	return math.Float64frombits(g.gain.Load())
}

func (g *AudioGraph) SetMuted(muted bool) { g.muted.Store(muted) }

func (g *AudioGraph) Muted() bool { return g.muted.Load() }

func (g *AudioGraph) AttachRecorder(r Recorder) {
	g.recMu.Lock()
	g.recorder = r
	g.recMu.Unlock()
}

// DetachRecorder stops emission to the recorder and returns it.
func (g *AudioGraph) DetachRecorder() Recorder {
	g.recMu.Lock()
	defer g.recMu.Unlock()
	r := g.recorder
	g.recorder = nil
	return r
}

func (g *AudioGraph) Start() {
	if g.started.CompareAndSwap(false, true) {
		go g.run()
	}
}

// Stop ends the pump and waits for it. The microphone is left open.
func (g *AudioGraph) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	if g.started.Load() {
		<-g.done
	}
}

func (g *AudioGraph) run() {
	err := g.pump()
	close(g.done)
	if err != nil && g.onError != nil {
		g.onError(err)
	}
}

func (g *AudioGraph) pump() error {
	samples := make([]int16, FrameSamples)
	var encoded []byte
	for {
		select {
		case <-g.stop:
			return nil
		default:
		}

		n, err := g.mic.ReadFrame(samples)
		if err != nil {
			select {
			case <-g.stop:
				return nil
			default:
			}
			return fmt.Errorf("read microphone: %w", err)
		}
		if g.muted.Load() {
			continue
		}

		frame := samples[:n]
		applyGain(frame, g.Gain())
		encoded = EncodePCMU(encoded, frame)

		g.recMu.Lock()
		if g.recorder != nil {
			_ = g.recorder.WriteFrame(encoded)
		}
		g.recMu.Unlock()

		if g.sink != nil {
			g.sink(encoded)
		}
	}
}

func applyGain(frame []int16, gain float64) {
	if gain == 1 {
		return
	}
	for i, s := range frame {
		v := float64(s) * gain
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		frame[i] = int16(v)
	}
}

// FileRecorder appends raw mu-law frames to a file (play back with
// `sox -t ul -r 8000 -c 1`).
type FileRecorder struct {
	mu      sync.Mutex
	f       *os.File
	written int64
}

func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	return &FileRecorder{f: f}, nil
}

func (r *FileRecorder) WriteFrame(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return errRecorderClosed
	}
	n, err := r.f.Write(payload)
	r.written += int64(n)
	return err
}

func (r *FileRecorder) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// audioChain is everything acquired for one joined session, released in
// reverse acquisition order.
type audioChain struct {
	mic      Microphone
	graph    *AudioGraph
	recorder Recorder
}

func (a *audioChain) release() error {
	var errs []error
	if r := a.graph.DetachRecorder(); r != nil {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recorder: %w", err))
		}
	}
	a.graph.Stop()
	if err := a.mic.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close microphone: %w", err))
	}
	return errors.Join(errs...)
}
