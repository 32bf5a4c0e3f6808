package voice

import (
	"runtime"
	"sync"
)

// Platform abstracts the host audio device pair the local pipeline runs
// against: a capture stream delivering float32 frames and a playback
// stream accepting them. Implementations own the native device handles;
// LocalAudioHandle only ever touches them from its dedicated OS thread.
type Platform interface {
	// OpenCapture starts the microphone at sampleRateHz, invoking onFrame
	// from the device's own callback context. The returned func stops it.
	OpenCapture(sampleRateHz int, onFrame func([]float32)) (stop func(), err error)

	// OpenPlayback opens a playback stream at sampleRateHz.
	OpenPlayback(sampleRateHz int) (PlaybackStream, error)
}

// PlaybackStream plays one utterance. Write blocks until the device has
// accepted the samples; Close releases the stream.
type PlaybackStream interface {
	Write(samples []float32) error
	Close() error
}

// LocalAudioHandle implements AudioHandle over a Platform. The device
// handles are non-movable, so all Platform calls happen on one long-lived
// goroutine locked to its OS thread and fed by a command channel; the
// capture buffer is plain shared state guarded by a mutex, written from
// the device callback and read by the pipeline.
type LocalAudioHandle struct {
	platform  Platform
	gate      func() bool // echo gate, consulted per captured frame
	onDrained func()      // fires once a Play call finishes at the device

	cmds      chan func()
	quit      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	recording bool
	buf       []float32
}

// NewLocalAudioHandle opens the capture device and starts the audio
// thread. gate and onDrained may be nil.
func NewLocalAudioHandle(platform Platform, gate func() bool, onDrained func()) *LocalAudioHandle {
	h := &LocalAudioHandle{
		platform:  platform,
		gate:      gate,
		onDrained: onDrained,
		cmds:      make(chan func(), 16),
		quit:      make(chan struct{}),
	}
	go h.run()
	return h
}

// run is the audio thread: it owns every Platform handle for the life of
// the LocalAudioHandle.
func (h *LocalAudioHandle) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stopCapture, err := h.platform.OpenCapture(captureSampleRateHz, h.ingest)
	if err != nil {
		stopCapture = func() {}
	}
	defer stopCapture()

	for {
		select {
		case <-h.quit:
			return
		case fn := <-h.cmds:
			fn()
		}
	}
}

// ingest runs in the capture device's callback context. Frames are
// dropped outright while the echo gate is set, so TTS playback never
// re-enters the capture buffer.
func (h *LocalAudioHandle) ingest(frame []float32) {
	if h.gate != nil && h.gate() {
		return
	}
	h.mu.Lock()
	if h.recording {
		h.buf = append(h.buf, frame...)
	}
	h.mu.Unlock()
}

// ResetCapture implements AudioHandle.
func (h *LocalAudioHandle) ResetCapture() {
	h.mu.Lock()
	h.buf = nil
	h.recording = true
	h.mu.Unlock()
}

// StopCapture implements AudioHandle.
func (h *LocalAudioHandle) StopCapture() []float32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recording = false
	out := h.buf
	h.buf = nil
	return out
}

// Play implements AudioHandle: the synth output is written to the device
// on the audio thread, and onDrained fires once the stream has taken it
// all. The callback runs on its own goroutine so a slow consumer of the
// drain signal can never wedge the audio thread.
func (h *LocalAudioHandle) Play(audio TtsAudio) {
	fn := func() {
		rate := audio.SampleRate
		if rate == 0 {
			rate = playbackSampleRateHz
		}
		if stream, err := h.platform.OpenPlayback(rate); err == nil {
			_ = stream.Write(audio.Samples)
			_ = stream.Close()
		}
		if h.onDrained != nil {
			go h.onDrained()
		}
	}
	select {
	case h.cmds <- fn:
	case <-h.quit:
	}
}

// Close implements AudioHandle. It never blocks: the audio thread
// observes quit, stops the capture device, and exits on its own.
func (h *LocalAudioHandle) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

// NullPlatform is the Platform compiled in when no native audio backend
// is: capture delivers nothing and playback discards samples, draining
// immediately. It keeps the full state machine drivable (and testable) on
// hosts without sound hardware.
type NullPlatform struct{}

// OpenCapture implements Platform; onFrame is never invoked.
func (NullPlatform) OpenCapture(sampleRateHz int, onFrame func([]float32)) (func(), error) {
	return func() {}, nil
}

// OpenPlayback implements Platform.
func (NullPlatform) OpenPlayback(sampleRateHz int) (PlaybackStream, error) {
	return nullStream{}, nil
}

type nullStream struct{}

func (nullStream) Write(samples []float32) error { return nil }
func (nullStream) Close() error                  { return nil }
