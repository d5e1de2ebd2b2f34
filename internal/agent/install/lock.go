package install

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/common/procutil"
)

var errLocked = errors.New("lock held")

// lockOwner is the body of the lock file.
type lockOwner struct {
	PID        int       `json:"pid"`
	StartTicks uint64    `json:"start_ticks,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// fileLock is an exclusive advisory lock on one path.
type fileLock struct {
	f    *os.File
	path string
}

// acquireLock polls for the lock at path until wait elapses. A lock whose
// recorded owner is gone is reclaimed by unlinking the file.
func acquireLock(ctx context.Context, path string, wait, poll time.Duration) (*fileLock, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	deadline := time.Now().Add(wait)
	for {
		l, err := tryLock(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, errLocked) {
			return nil, err
		}
		owner := readOwner(path)
		if owner != nil && !procutil.SameProcess(owner.PID, owner.StartTicks) {
			// The holder is an orphaned descriptor; start over on a fresh inode.
			if rmErr := os.Remove(path); rmErr == nil || errors.Is(rmErr, os.ErrNotExist) {
				continue
			}
		}
		if !time.Now().Before(deadline) {
			pid := 0
			if owner != nil {
				pid = owner.PID
			}
			return nil, fmt.Errorf("%w: %s held by pid %d", agenterr.ErrLockContention, path, pid)
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func tryLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// The file may have been unlinked and replaced between open and flock.
	held, err1 := f.Stat()
	onDisk, err2 := os.Stat(path)
	if err1 != nil || err2 != nil || !os.SameFile(held, onDisk) {
		_ = f.Close()
		return nil, errLocked
	}

	ticks, _ := procutil.StartTicks(os.Getpid())
	body, _ := json.Marshal(lockOwner{PID: os.Getpid(), StartTicks: ticks, AcquiredAt: time.Now().UTC()})
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(body, 0)
	}
	return &fileLock{f: f, path: path}, nil
}

func readOwner(path string) *lockOwner {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	var o lockOwner
	if err := json.Unmarshal(data, &o); err != nil || o.PID <= 0 {
		return nil
	}
	return &o
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
