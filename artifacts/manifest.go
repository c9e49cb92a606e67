package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Manifest records the resolved local paths of every artifact a phase
// produced or validated, for consumption by later phases. It replaces
// re-deriving paths from previously rendered command text.
type Manifest struct {
	FirmwarePath      string    `json:"firmware_path"`
	KernelPath        string    `json:"kernel_path"`
	InitrdPath        string    `json:"initrd_path,omitempty"`
	KernelPackagePath string    `json:"kernel_package_path,omitempty"`
	BaseImagePath     string    `json:"base_image_path,omitempty"`
	AppendLine        string    `json:"append_line"`
	ResolvedAt        time.Time `json:"resolved_at"`
}

// Save writes the manifest as JSON.
func (m *Manifest) Save(path string) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}

// LoadManifest reads a manifest written by Save. A missing file means the
// producing phase has not completed.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s (run setup-host first?): %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &m, nil
}
