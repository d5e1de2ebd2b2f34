// Package procutil probes host processes and ports.
package procutil

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Alive reports whether pid names a live process. EPERM counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// StartTicks returns the process start time in clock ticks since boot
// (field 22 of /proc/<pid>/stat). It returns 0 where procfs is unavailable.
func StartTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && Alive(pid) {
			return 0, nil
		}
		return 0, err
	}
	// comm may contain spaces and parentheses; fields resume after the last ')'.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[i+1:])
	// fields[0] is field 3 (state), so field 22 is fields[19].
	if len(fields) < 20 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	return strconv.ParseUint(fields[19], 10, 64)
}

// SameProcess reports whether pid is alive and, when ticks is known, started at ticks.
// A mismatch means the pid was recycled.
func SameProcess(pid int, ticks uint64) bool {
	if !Alive(pid) {
		return false
	}
	if ticks == 0 {
		return true
	}
	now, err := StartTicks(pid)
	if err != nil || now == 0 {
		return true
	}
	return now == ticks
}

// AllocatePort asks the OS for a free TCP port on the loopback interface.
func AllocatePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// PortAvailable reports whether host:port can be bound.
func PortAvailable(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
