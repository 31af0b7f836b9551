package execx

import "sync"

const defaultMaxCapture = 4 << 20

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = defaultMaxCapture
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// lineSplitter turns a byte stream into lines. Both '\n' and '\r' end a line
// so progress bars that redraw in place still produce updates.
type lineSplitter struct {
	partial []byte
}

func (s *lineSplitter) feed(p []byte, emit func(string)) {
	for _, c := range p {
		if c == '\n' || c == '\r' {
			if len(s.partial) > 0 {
				emit(string(s.partial))
				s.partial = s.partial[:0]
			}
			continue
		}
		s.partial = append(s.partial, c)
	}
}

func (s *lineSplitter) flush(emit func(string)) {
	if len(s.partial) > 0 {
		emit(string(s.partial))
		s.partial = nil
	}
}
