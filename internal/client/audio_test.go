package client

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxrelay/internal/core/domain"
)

func TestPCMU_KnownValues(t *testing.T) {
	encoded := EncodePCMU(nil, []int16{0, -1, 32767, -32768, 1000})
	assert.Equal(t, byte(0xFF), encoded[0])
	assert.Equal(t, byte(0x7F), encoded[1])
	assert.Equal(t, byte(0x80), encoded[2])
	assert.Equal(t, byte(0x00), encoded[3])
	assert.Equal(t, byte(0xCE), encoded[4])
}

func TestPCMU_DecodeIsClose(t *testing.T) {
	samples := []int16{0, 50, -50, 1000, -1000, 12000, -12000, 30000}
	decoded := DecodePCMU(nil, EncodePCMU(nil, samples))
	for i, s := range samples {
		// mu-law keeps roughly 4 significant bits.
		tolerance := math.Max(8, math.Abs(float64(s))/16)
		assert.InDelta(t, s, decoded[i], tolerance, "sample %d", s)
	}
}

// scriptedMic hands out a fixed frame until told to fail.
type scriptedMic struct {
	mu     sync.Mutex
	value  int16
	err    error
	closed bool
}

func (m *scriptedMic) ReadFrame(buf []int16) (int, error) {
	time.Sleep(time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	for i := range buf {
		buf[i] = m.value
	}
	return len(buf), nil
}

func (m *scriptedMic) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type memRecorder struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (r *memRecorder) WriteFrame([]byte) error {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func TestAudioGraph_GainAndMute(t *testing.T) {
	mic := &scriptedMic{value: 8000}
	var mu sync.Mutex
	var last []byte
	frames := 0
	g := NewAudioGraph(mic, func(p []byte) {
		mu.Lock()
		last = append(last[:0], p...)
		frames++
		mu.Unlock()
	}, nil)
	rec := &memRecorder{}
	g.AttachRecorder(rec)
	g.SetGain(0.5)
	g.Start()
	defer g.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return frames > 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	got := DecodePCMU(nil, last)
	mu.Unlock()
	assert.Len(t, got, FrameSamples)
	assert.InDelta(t, 4000, got[0], 250)
	assert.Positive(t, rec.count())

	g.SetMuted(true)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	before := frames
	mu.Unlock()
	recBefore := rec.count()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, before, frames, "muted graph emits nothing")
	mu.Unlock()
	assert.Equal(t, recBefore, rec.count(), "recorder emission suppressed while muted")
}

func TestAudioGraph_ReportsDeviceLoss(t *testing.T) {
	mic := &scriptedMic{}
	lost := make(chan error, 1)
	g := NewAudioGraph(mic, nil, func(err error) { lost <- err })
	g.Start()

	mic.mu.Lock()
	mic.err = domain.ErrDeviceAccess
	mic.mu.Unlock()

	select {
	case err := <-lost:
		assert.True(t, errors.Is(err, domain.ErrDeviceAccess))
	case <-time.After(time.Second):
		t.Fatal("device loss not reported")
	}
	g.Stop()
}

func TestAudioGraph_StopWithoutStart(t *testing.T) {
	g := NewAudioGraph(&scriptedMic{}, nil, nil)
	done := make(chan struct{})
	go func() {
		g.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a graph that never started")
	}
}

func TestAudioChain_ReleaseOrder(t *testing.T) {
	mic := &scriptedMic{}
	rec := &memRecorder{}
	g := NewAudioGraph(mic, nil, nil)
	g.AttachRecorder(rec)
	g.Start()

	chain := &audioChain{mic: mic, graph: g, recorder: rec}
	require.NoError(t, chain.release())
	assert.True(t, rec.closed)
	assert.True(t, mic.closed)
	assert.Nil(t, g.DetachRecorder())
}

func TestFileRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.ul")
	r, err := NewFileRecorder(path)
	require.NoError(t, err)

	require.NoError(t, r.WriteFrame(make([]byte, FrameSamples)))
	require.NoError(t, r.WriteFrame(make([]byte, FrameSamples)))
	assert.Equal(t, int64(2*FrameSamples), r.Written())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Error(t, r.WriteFrame([]byte{1}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2*FrameSamples), info.Size())
}

func TestSyntheticDevices(t *testing.T) {
	d := &SyntheticDevices{}
	require.NoError(t, d.RequestPermission(context.Background()))

	mic, err := d.OpenMicrophone(context.Background())
	require.NoError(t, err)
	buf := make([]int16, FrameSamples)
	n, err := mic.ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, FrameSamples, n)

	d.Unplug()
	_, err = mic.ReadFrame(buf)
	assert.ErrorIs(t, err, domain.ErrDeviceAccess)

	require.NoError(t, mic.Close())
	require.NoError(t, mic.Close())
	opened, closed := d.Counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)

	denied := &SyntheticDevices{Deny: true}
	assert.ErrorIs(t, denied.RequestPermission(context.Background()), domain.ErrPermissionDenied)
}
