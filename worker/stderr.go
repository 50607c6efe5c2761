package worker

import (
	"bufio"
	"io"
	"sync"

	"go.uber.org/zap"
)

const (
	// MaxStderrLineLength is the length at which a stderr line is truncated.
	MaxStderrLineLength = 4096

	// DefaultStderrLines is how many stderr lines are kept per process.
	DefaultStderrLines = 200
)

// StderrLog keeps the most recent stderr lines of a worker in a ring buffer.
type StderrLog struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	lines []string
	next  int
	full  bool

	drained chan struct{}
}

func NewStderrLog(log *zap.SugaredLogger, size int) *StderrLog {
	if size <= 0 {
		size = DefaultStderrLines
	}
	return &StderrLog{log: log, lines: make([]string, size), drained: make(chan struct{})}
}

// Drain reads r line by line until it returns an error or io.EOF.
// It must be called at most once.
func (s *StderrLog) Drain(r io.Reader) {
	defer close(s.drained)
	br := bufio.NewReaderSize(r, MaxStderrLineLength)
	for {
		line, isPrefix, err := br.ReadLine()
		if len(line) > 0 || (err == nil && !isPrefix) {
			text := string(line)
			if isPrefix {
				text += "...(truncated)"
				discardRestOfLine(br)
			}
			s.Add(text)
		}
		if err != nil {
			return
		}
	}
}

// Drained is closed when Drain returns.
func (s *StderrLog) Drained() <-chan struct{} {
	return s.drained
}

func discardRestOfLine(br *bufio.Reader) {
	for {
		_, isPrefix, err := br.ReadLine()
		if err != nil || !isPrefix {
			return
		}
	}
}

func (s *StderrLog) Add(line string) {
	if len(line) > MaxStderrLineLength+len("...(truncated)") {
		line = line[:MaxStderrLineLength] + "...(truncated)"
	}

	if s.log != nil {
		s.log.Debugw("worker stderr", "Line", line)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[s.next] = line
	s.next = (s.next + 1) % len(s.lines)
	if s.next == 0 {
		s.full = true
	}
}

// Lines returns up to n of the most recent lines, oldest first. n <= 0 returns everything buffered.
func (s *StderrLog) Lines(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.next
	if s.full {
		count = len(s.lines)
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.next - n + i + len(s.lines)) % len(s.lines)
		out = append(out, s.lines[idx])
	}
	return out
}
