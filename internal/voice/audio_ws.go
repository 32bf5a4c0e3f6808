package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Browser-side audio framing (spec §4.8, §6.6): 16 kHz PCM16 LE mono in,
// 960-byte (30 ms) capture frames; 24 kHz PCM16 LE mono out.
const (
	captureSampleRateHz  = 16000
	playbackSampleRateHz = 24000
	captureFrameBytes    = 960
)

// RemoteAudioHandle implements AudioHandle over a binary WebSocket
// connection to a browser client, the pipeline's browser-side variant.
type RemoteAudioHandle struct {
	ctx  context.Context
	conn *websocket.Conn

	mu      sync.Mutex
	capture []float32
}

// NewRemoteAudioHandle wraps an already-accepted WebSocket connection.
func NewRemoteAudioHandle(ctx context.Context, conn *websocket.Conn) *RemoteAudioHandle {
	return &RemoteAudioHandle{ctx: ctx, conn: conn}
}

// ResetCapture implements AudioHandle.
func (h *RemoteAudioHandle) ResetCapture() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.capture = h.capture[:0]
}

// Ingest appends one capture frame read off the socket.
func (h *RemoteAudioHandle) Ingest(frame []byte) {
	samples := pcm16LEToFloat32(frame)
	h.mu.Lock()
	h.capture = append(h.capture, samples...)
	h.mu.Unlock()
}

// StopCapture implements AudioHandle.
func (h *RemoteAudioHandle) StopCapture() []float32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.capture
	h.capture = nil
	return out
}

// Play implements AudioHandle: writes one binary PCM16LE frame at 24 kHz.
func (h *RemoteAudioHandle) Play(audio TtsAudio) {
	frame := float32ToPCM16LE(audio.Samples)
	_ = h.conn.Write(h.ctx, websocket.MessageBinary, frame)
}

// Close implements AudioHandle.
func (h *RemoteAudioHandle) Close() {
	_ = h.conn.Close(websocket.StatusNormalClosure, "audio pair deregistered")
}

func pcm16LEToFloat32(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

func float32ToPCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(s*32767.0)))
	}
	return out
}

// Registry holds at most one remote-audio pair at a time (spec §4.8): "a
// subsequent start() without a registered pair falls back to the local
// cpal/rodio sources".
type Registry struct {
	mu     sync.Mutex
	handle *RemoteAudioHandle
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// Set registers h, closing out whatever pair was previously registered.
func (r *Registry) Set(h *RemoteAudioHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != nil {
		r.handle.Close()
	}
	r.handle = h
}

// Clear deregisters h if it is still the registered pair.
func (r *Registry) Clear(h *RemoteAudioHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == h {
		r.handle = nil
	}
}

// ServeAudioWS upgrades GET /api/voice/audio to a binary WebSocket,
// registers it as the pipeline's audio source, and deregisters it on
// close in either direction (spec §6.6).
func ServeAudioWS(pipeline *Pipeline, registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		handle := NewRemoteAudioHandle(ctx, conn)
		registry.Set(handle)
		pipeline.AttachAudio(handle)

		defer func() {
			registry.Clear(handle)
			pipeline.DetachAudio(handle)
			conn.Close(websocket.StatusNormalClosure, "")
		}()

		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			switch msgType {
			case websocket.MessageBinary:
				handle.Ingest(data)
			case websocket.MessageText:
				var msg struct {
					Type string `json:"type"`
				}
				if json.Unmarshal(data, &msg) == nil && msg.Type == "playback_drained" {
					pipeline.PlaybackDrained()
				}
			}
		}
	}
}
