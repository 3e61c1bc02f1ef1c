package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/clock"
)

// FileSource replays an audio file as a microphone so the recorder can
// run headless (CLI, tests). It is both the Microphone and the Encoder:
// the file is emitted in fixed-size chunks every timeslice and only its
// own container format is "supported".
type FileSource struct {
	path      string
	mimeType  string
	chunkSize int
	clock     clock.Clock

	mu      sync.Mutex
	data    []byte
	drained chan struct{}
}

const defaultFileChunk = 4 << 10

var fileMimeTypes = map[string]string{
	".webm": "audio/webm",
	".weba": "audio/webm",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".mp4":  "audio/mp4",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
}

func NewFileSource(path string, c clock.Clock) *FileSource {
	if c == nil {
		c = clock.Real()
	}
	mt, ok := fileMimeTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		mt = "application/octet-stream"
	}
	return &FileSource{path: path, mimeType: mt, chunkSize: defaultFileChunk, clock: c, drained: make(chan struct{})}
}

// Open reads the file; a missing or unreadable file plays the part of a
// denied permission.
func (f *FileSource) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.data = data
	f.drained = make(chan struct{})
	f.mu.Unlock()
	return fileStream{}, nil
}

// Supports compares the container part of mimeType with the file's.
func (f *FileSource) Supports(mimeType string) bool {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.EqualFold(strings.TrimSpace(base), f.mimeType)
}

func (f *FileSource) NewRecorder(_ Stream, mimeType string, onData func([]byte)) (Recorder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return nil, fmt.Errorf("file source %s not opened", f.path)
	}
	if mimeType == "" {
		mimeType = f.mimeType
	}
	return &fileRecorder{src: f, data: f.data, mimeType: mimeType, onData: onData, drained: f.drained}, nil
}

// Done is closed once the whole file has been emitted.
func (f *FileSource) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drained
}

type fileStream struct{}

func (fileStream) Close() error { return nil }

type fileRecorder struct {
	src      *FileSource
	data     []byte
	mimeType string
	onData   func([]byte)

	mu        sync.Mutex
	offset    int
	timeslice time.Duration
	timer     clock.Timer
	stopped   bool
	drained   chan struct{}
	closeOnce sync.Once
}

func (r *fileRecorder) Start(timeslice time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timeslice <= 0 {
		timeslice = ChunkInterval
	}
	r.timeslice = timeslice
	r.timer = r.src.clock.AfterFunc(timeslice, r.emit)
	return nil
}

// emit and Stop deliver under mu, so a chunk in flight always lands
// before Stop returns.
func (r *fileRecorder) emit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	end := r.offset + r.src.chunkSize
	if end > len(r.data) {
		end = len(r.data)
	}
	chunk := r.data[r.offset:end]
	r.offset = end
	last := end == len(r.data)
	if !last {
		r.timer = r.src.clock.AfterFunc(r.timeslice, r.emit)
	}
	r.onData(chunk)
	if last {
		r.markDrained()
	}
}

func (r *fileRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
	rest := r.data[r.offset:]
	r.offset = len(r.data)
	r.onData(rest)
	r.markDrained()
	return nil
}

func (r *fileRecorder) MimeType() string { return r.mimeType }

func (r *fileRecorder) markDrained() {
	r.closeOnce.Do(func() { close(r.drained) })
}
