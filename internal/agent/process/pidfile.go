package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const pidFileExt = ".pid"

// pidFiles stores one JSON Process record per native instance under dir.
type pidFiles struct {
	dir string
}

func (p pidFiles) path(instanceID string) string {
	return filepath.Join(p.dir, instanceID+pidFileExt)
}

func (p pidFiles) write(proc Process) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}
	data, err := json.MarshalIndent(proc, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path(proc.InstanceID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return os.Rename(tmp, p.path(proc.InstanceID))
}

// read returns the record for instanceID, or nil when there is none.
func (p pidFiles) read(instanceID string) (*Process, error) {
	data, err := os.ReadFile(p.path(instanceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var proc Process
	if err := json.Unmarshal(data, &proc); err != nil {
		return nil, fmt.Errorf("corrupt pid file %s: %w", p.path(instanceID), err)
	}
	return &proc, nil
}

func (p pidFiles) remove(instanceID string) error {
	if err := os.Remove(p.path(instanceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (p pidFiles) list() ([]Process, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Process
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, pidFileExt) {
			continue
		}
		proc, err := p.read(strings.TrimSuffix(name, pidFileExt))
		if err != nil || proc == nil {
			continue
		}
		out = append(out, *proc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}
