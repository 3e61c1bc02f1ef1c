// Package capture implements the voice-note recorder: a three-state
// machine (idle, recording, recorded) that owns the microphone stream
// while recording and hands back one blob with its mime type and
// duration.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/clock"
	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/rs/zerolog"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateRecorded  State = "recorded"
)

const (
	// ChunkInterval is the timeslice the recorder buffers data at.
	ChunkInterval = 100 * time.Millisecond
	// TickInterval is how often the duration is sampled while recording.
	TickInterval = 200 * time.Millisecond
)

// MimeCandidates are tried in order; the first one the encoder
// supports is used.
var MimeCandidates = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/ogg;codecs=opus",
	"audio/mp4",
}

// Microphone grants access to an input stream. Open may block on a
// permission prompt.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is a live input. Close releases the device.
type Stream interface {
	Close() error
}

// Encoder builds recorders over a stream.
type Encoder interface {
	Supports(mimeType string) bool
	// NewRecorder returns a recorder that calls onData with each
	// buffered chunk. An empty mimeType asks for the encoder default.
	NewRecorder(stream Stream, mimeType string, onData func([]byte)) (Recorder, error)
}

// Recorder turns a stream into chunks. Stop flushes the final chunk
// through onData before it returns.
type Recorder interface {
	Start(timeslice time.Duration) error
	Stop() error
	MimeType() string
}

// Recording is the result of a finished capture.
type Recording struct {
	Blob     []byte
	MimeType string
	Duration float64
}

type Snapshot struct {
	State    State
	Duration float64
	MimeType string
	Size     int
}

type Machine struct {
	mic    Microphone
	enc    Encoder
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	stream    Stream
	recorder  Recorder
	timer     clock.Timer
	startedAt time.Time
	duration  float64
	mimeType  string
	blob      []byte
	// session identifies the current recording; ticks of an older one
	// are ignored. It also tags a pending start.
	session uint64
	// starting is set while the microphone is being opened.
	starting bool

	// chunks has its own lock: a recorder may flush during Stop while
	// mu is held.
	chunkMu sync.Mutex
	chunks  [][]byte
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

func NewMachine(mic Microphone, enc Encoder, opts ...Option) *Machine {
	m := &Machine{
		mic:    mic,
		enc:    enc,
		clock:  clock.Real(),
		logger: zerolog.Nop(),
		state:  StateIdle,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, Duration: m.duration, MimeType: m.mimeType, Size: len(m.blob)}
}

// Recording returns the finished capture; ok is false unless the
// machine is in the recorded state.
func (m *Machine) Recording() (Recording, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRecorded {
		return Recording{}, false
	}
	return Recording{Blob: m.blob, MimeType: m.mimeType, Duration: m.duration}, true
}

// StartRecording opens the microphone and starts buffering. It only
// acts in the idle state. If the device cannot be opened the machine
// stays idle and the error matches errs.ErrMicrophoneUnavailable.
//
// The lock is not held while the device opens (a permission prompt may
// be pending). A Close or CancelRecording in that window abandons the
// start: the stream is released as soon as it arrives.
func (m *Machine) StartRecording(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle || m.starting {
		m.mu.Unlock()
		return nil
	}
	m.starting = true
	m.session++
	token := m.session
	m.mu.Unlock()

	stream, err := m.mic.Open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != token {
		if err == nil {
			m.closeStream(stream)
		}
		m.logger.Debug().Msg("capture: start abandoned while opening the microphone")
		return nil
	}
	m.starting = false
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMicrophoneUnavailable, err)
	}
	mimeType := m.negotiate()
	m.resetChunks()
	rec, err := m.enc.NewRecorder(stream, mimeType, m.appendChunk)
	if err != nil {
		m.closeStream(stream)
		return fmt.Errorf("%w: recorder: %v", errs.ErrMicrophoneUnavailable, err)
	}
	if err := rec.Start(ChunkInterval); err != nil {
		m.closeStream(stream)
		return fmt.Errorf("%w: start recorder: %v", errs.ErrMicrophoneUnavailable, err)
	}
	if mt := rec.MimeType(); mt != "" {
		mimeType = mt
	}

	m.state = StateRecording
	m.stream = stream
	m.recorder = rec
	m.mimeType = mimeType
	m.startedAt = m.clock.Now()
	m.duration = 0
	m.blob = nil
	m.scheduleTickLocked(m.session)
	m.logger.Debug().Str("mime_type", mimeType).Msg("capture: recording started")
	return nil
}

// StopRecording finishes the capture and assembles the blob. Outside
// the recording state it is a no-op. The stream is released and the
// timer halted even when the recorder fails; in that case the machine
// returns to idle and the error is returned.
func (m *Machine) StopRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRecording {
		return nil
	}
	m.haltTimerLocked()
	stopErr := m.recorder.Stop()
	m.duration = m.elapsedLocked()
	m.closeStream(m.stream)
	m.stream = nil
	m.recorder = nil

	chunks := m.takeChunks()
	if stopErr != nil {
		m.state = StateIdle
		m.duration = 0
		m.mimeType = ""
		return fmt.Errorf("stop recorder: %w", stopErr)
	}
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	blob := make([]byte, 0, size)
	for _, c := range chunks {
		blob = append(blob, c...)
	}
	m.blob = blob
	m.state = StateRecorded
	m.logger.Debug().Int("bytes", size).Float64("duration_s", m.duration).Msg("capture: recording stopped")
	return nil
}

// CancelRecording drops an in-progress or pending capture and returns
// to idle.
func (m *Machine) CancelRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRecording && !m.starting {
		return
	}
	m.teardownLocked()
	m.takeChunks()
	m.state = StateIdle
}

// ResetRecording discards a finished capture.
func (m *Machine) ResetRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRecorded {
		return
	}
	m.blob = nil
	m.duration = 0
	m.mimeType = ""
	m.state = StateIdle
}

// Close releases the stream and halts the timer whatever the state,
// and leaves the machine idle.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.takeChunks()
	m.state = StateIdle
}

func (m *Machine) negotiate() string {
	for _, c := range MimeCandidates {
		if m.enc.Supports(c) {
			return c
		}
	}
	return ""
}

// teardownLocked halts the timer, stops the recorder and releases the
// stream, then clears the capture fields. Caller holds mu.
func (m *Machine) teardownLocked() {
	m.haltTimerLocked()
	if m.recorder != nil {
		if err := m.recorder.Stop(); err != nil {
			m.logger.Warn().Err(err).Msg("capture: recorder stop failed during teardown")
		}
		m.recorder = nil
	}
	if m.stream != nil {
		m.closeStream(m.stream)
		m.stream = nil
	}
	m.session++
	m.starting = false
	m.blob = nil
	m.duration = 0
	m.mimeType = ""
}

func (m *Machine) haltTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) scheduleTickLocked(session uint64) {
	m.timer = m.clock.AfterFunc(TickInterval, func() { m.tick(session) })
}

func (m *Machine) tick(session uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRecording || m.session != session {
		return
	}
	m.duration = m.elapsedLocked()
	m.scheduleTickLocked(session)
}

func (m *Machine) elapsedLocked() float64 {
	return float64(m.clock.Now().Sub(m.startedAt).Milliseconds()) / 1000
}

func (m *Machine) closeStream(s Stream) {
	if err := s.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("capture: release microphone")
	}
}

func (m *Machine) appendChunk(b []byte) {
	if len(b) == 0 {
		return
	}
	c := append([]byte(nil), b...)
	m.chunkMu.Lock()
	m.chunks = append(m.chunks, c)
	m.chunkMu.Unlock()
}

func (m *Machine) resetChunks() {
	m.chunkMu.Lock()
	m.chunks = nil
	m.chunkMu.Unlock()
}

func (m *Machine) takeChunks() [][]byte {
	m.chunkMu.Lock()
	defer m.chunkMu.Unlock()
	c := m.chunks
	m.chunks = nil
	return c
}
