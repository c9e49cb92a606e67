package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// GuestSession records one running guest and how to reach it. The launch
// phase owns the file; attest-guest and stop-guests load it and never create
// one. The recorded QEMU pid is the primary stop handle, with a process-table
// scan as the recovery path when the pid is stale.
type GuestSession struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SSHPort    int       `json:"ssh_port"`
	User       string    `json:"user"`
	KeyPath    string    `json:"key_path"`
	ImagePath  string    `json:"image_path"`
	VCPUs      int       `json:"vcpus"`
	MemoryMB   int       `json:"memory_mb"`
	CPUModel   string    `json:"cpu_model"`
	QEMUPID    int32     `json:"qemu_pid"`
	SNPEnabled bool      `json:"snp_enabled"`
	LaunchedAt time.Time `json:"launched_at"`
}

// Save persists the session record.
func (s *GuestSession) Save(path string) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode guest session: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write guest session %s: %w", path, err)
	}
	return nil
}

// LoadSession reads a previously saved session record.
func LoadSession(path string) (*GuestSession, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guest session %s (run launch-guest first?): %w", path, err)
	}
	var s GuestSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode guest session %s: %w", path, err)
	}
	return &s, nil
}
