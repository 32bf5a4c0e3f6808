package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgeserve/forge/internal/domain"
)

// fakePlatform hands the capture callback back to the test and records
// everything written to playback.
type fakePlatform struct {
	mu      sync.Mutex
	onFrame func([]float32)
	played  [][]float32
}

func (f *fakePlatform) OpenCapture(sampleRateHz int, onFrame func([]float32)) (func(), error) {
	f.mu.Lock()
	f.onFrame = onFrame
	f.mu.Unlock()
	return func() {}, nil
}

func (f *fakePlatform) OpenPlayback(sampleRateHz int) (PlaybackStream, error) {
	return &fakeStream{platform: f}, nil
}

func (f *fakePlatform) feed(frame []float32) {
	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		cb := f.onFrame
		f.mu.Unlock()
		if cb != nil {
			cb(frame)
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakePlatform) playedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

type fakeStream struct{ platform *fakePlatform }

func (s *fakeStream) Write(samples []float32) error {
	s.platform.mu.Lock()
	s.platform.played = append(s.platform.played, samples)
	s.platform.mu.Unlock()
	return nil
}
func (s *fakeStream) Close() error { return nil }

func TestLocalHandleCapturesOnlyWhileRecording(t *testing.T) {
	platform := &fakePlatform{}
	h := NewLocalAudioHandle(platform, nil, nil)
	defer h.Close()

	platform.feed([]float32{0.1, 0.2}) // before ResetCapture: discarded

	h.ResetCapture()
	platform.feed([]float32{0.3, 0.4})
	platform.feed([]float32{0.5})

	got := h.StopCapture()
	if len(got) != 3 {
		t.Fatalf("captured %d samples, want 3 (pre-recording frames discarded)", len(got))
	}

	platform.feed([]float32{0.9}) // after StopCapture: discarded
	if extra := h.StopCapture(); len(extra) != 0 {
		t.Fatalf("post-stop frames must be discarded, got %d", len(extra))
	}
}

func TestLocalHandleEchoGateDropsFrames(t *testing.T) {
	gated := true
	platform := &fakePlatform{}
	h := NewLocalAudioHandle(platform, func() bool { return gated }, nil)
	defer h.Close()

	h.ResetCapture()
	platform.feed([]float32{0.1, 0.2})

	gated = false
	platform.feed([]float32{0.3})

	got := h.StopCapture()
	if len(got) != 1 {
		t.Fatalf("captured %d samples, want only the ungated frame", len(got))
	}
}

func TestLocalHandlePlayFiresDrained(t *testing.T) {
	drained := make(chan struct{}, 1)
	platform := &fakePlatform{}
	h := NewLocalAudioHandle(platform, nil, func() { drained <- struct{}{} })
	defer h.Close()

	h.Play(TtsAudio{Samples: make([]float32, 240), SampleRate: 24000})

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain callback never fired")
	}
	if platform.playedCount() != 1 {
		t.Fatalf("playback writes = %d, want 1", platform.playedCount())
	}
}

func TestLocalHandleCloseIsIdempotentAndNonBlocking(t *testing.T) {
	h := NewLocalAudioHandle(NullPlatform{}, nil, nil)
	done := make(chan struct{})
	go func() {
		h.Close()
		h.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked")
	}
}

// TestStartFallsBackToLocalAudio covers §4.8's fallback: with no remote
// pair registered, start() attaches the local platform source and the
// push-to-talk path works end to end.
func TestStartFallsBackToLocalAudio(t *testing.T) {
	platform := &fakePlatform{}
	p := New(DefaultConfig(), nil)
	p.UseLocalAudioFallback(platform)
	p.InjectSTT(&mockStt{response: "local capture"}, "m1")
	p.InjectTTS(&mockTts{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if err := p.PTTStart(); err != nil {
		t.Fatalf("PTTStart must succeed on the local fallback, got %v", err)
	}
	platform.feed(make([]float32, 480))

	transcript, err := p.PTTStop(context.Background())
	if err != nil {
		t.Fatalf("PTTStop: %v", err)
	}
	if transcript != "local capture" {
		t.Fatalf("transcript = %q", transcript)
	}
	if p.State() != domain.VoiceThinking {
		t.Fatalf("state = %s, want Thinking", p.State())
	}

	if err := p.Respond(context.Background(), "answer"); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	// The local handle drives PlaybackDrained itself once the device has
	// taken the samples.
	deadline := time.Now().Add(time.Second)
	for p.State() != domain.VoiceListening && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.State() != domain.VoiceListening {
		t.Fatalf("state = %s, want Listening after drain", p.State())
	}
	if p.EchoGateActive() {
		t.Fatal("echo gate must clear after drain")
	}
}

func TestRemotePairDisplacesLocalFallback(t *testing.T) {
	platform := &fakePlatform{}
	p := New(DefaultConfig(), nil)
	p.UseLocalAudioFallback(platform)
	p.InjectSTT(&mockStt{response: "x"}, "m1")

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	local, ok := p.audio.(*LocalAudioHandle)
	if !ok {
		t.Fatalf("expected the local fallback handle after Start, got %T", p.audio)
	}

	remote := &fakeAudioHandle{}
	p.AttachAudio(remote)

	// The displaced local handle must have been closed (its audio thread
	// released).
	select {
	case <-local.quit:
	default:
		t.Fatal("expected the displaced local handle to be closed")
	}

	if err := p.PTTStart(); err != nil {
		t.Fatalf("PTTStart on remote handle: %v", err)
	}
	// Capture now runs on the remote handle: PTTStart and PTTStop succeed
	// against it even though a frame still arrives on the old callback.
	platform.feed([]float32{0.1})
	remote.capture = []float32{0.5}
	got, err := p.PTTStop(context.Background())
	if err != nil {
		t.Fatalf("PTTStop: %v", err)
	}
	_ = got
}
