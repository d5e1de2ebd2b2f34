package process

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logRotator rotates an instance's log file before each spawn once it exceeds
// the size limit. The child writes to the file directly, so rotation never
// happens mid-run.
type logRotator struct {
	maxSizeMB  int
	maxBackups int
	compress   bool

	mu      sync.Mutex
	loggers map[string]*lumberjack.Logger
}

func newLogRotator(maxSizeMB, maxBackups int, compress bool) *logRotator {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &logRotator{
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
		compress:   compress,
		loggers:    map[string]*lumberjack.Logger{},
	}
}

func (r *logRotator) rotateIfNeeded(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if st.Size() < int64(r.maxSizeMB)*1024*1024 {
		return nil
	}

	r.mu.Lock()
	lj, ok := r.loggers[path]
	if !ok {
		lj = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    r.maxSizeMB,
			MaxBackups: r.maxBackups,
			Compress:   r.compress,
		}
		r.loggers[path] = lj
	}
	r.mu.Unlock()

	if err := lj.Rotate(); err != nil {
		return err
	}
	return lj.Close()
}

// openAppend opens path for the child's stdout and stderr.
func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// tailFile returns the last n lines of path.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return tail(f, n)
}

func tail(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}
