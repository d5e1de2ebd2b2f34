package install

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

const recordFile = "install.json"

func readRecord(dir string) (*v1.InstallRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, recordFile))
	if err != nil {
		return nil, err
	}
	var rec v1.InstallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt install record in %s: %w", dir, err)
	}
	return &rec, nil
}

func writeRecord(dir string, rec *v1.InstallRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, recordFile), data, 0o644)
}
