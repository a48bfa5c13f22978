package worker

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// maxLineBytes caps a single forwarded stdout line.
const maxLineBytes = 16 * 1024

// lineLogger is an io.Writer that logs each complete line it receives.
type lineLogger struct {
	logger *zap.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func newLineLogger(logger *zap.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		idx := bytes.IndexByte(l.buf, '\n')
		if idx < 0 {
			break
		}
		l.emit(l.buf[:idx])
		l.buf = l.buf[idx+1:]
	}
	if len(l.buf) > maxLineBytes {
		l.emit(l.buf)
		l.buf = nil
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.logger.Info("worker output", zap.String("stream", l.stream), zap.ByteString("line", line))
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int

	mu        sync.Mutex
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; t.limit > 0 && over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "..." + string(t.buf)
	}
	return string(t.buf)
}
