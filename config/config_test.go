package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Normalize()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(cfg.WorkingDir, "setup"), cfg.SetupDir())
	assert.Equal(t, filepath.Join(cfg.WorkingDir, "launch"), cfg.LaunchDir())
	assert.Equal(t, filepath.Join(cfg.WorkingDir, "attest"), cfg.AttestDir())
	assert.Equal(t, filepath.Join(cfg.WorkingDir, "artifacts"), cfg.ArtifactsDir())
}

func TestNormalizeDerivesPaths(t *testing.T) {
	cfg := Default()
	cfg.WorkingDir = "/state/snp"
	cfg.Normalize()

	assert.Equal(t, "/state/snp/keys/guest-key", cfg.SSHKeyPath)
	assert.Equal(t, "/state/snp/launch/snp-guest.qcow2", cfg.ImagePath)
}

func TestNormalizeKeepsOverrides(t *testing.T) {
	cfg := Default()
	cfg.SSHKeyPath = "/keys/mykey"
	cfg.ImagePath = "/images/guest.qcow2"
	cfg.Normalize()

	assert.Equal(t, "/keys/mykey", cfg.SSHKeyPath)
	assert.Equal(t, "/images/guest.qcow2", cfg.ImagePath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"empty workdir", func(c *Config) { c.WorkingDir = "" }, "working directory"},
		{"port too low", func(c *Config) { c.HostSSHPort = 0 }, "out of range"},
		{"port too high", func(c *Config) { c.HostSSHPort = 70000 }, "out of range"},
		{"no guest name", func(c *Config) { c.GuestName = "" }, "guest name"},
		{"zero vcpus", func(c *Config) { c.GuestVCPUs = 0 }, "vcpu count"},
		{"tiny memory", func(c *Config) { c.GuestMemoryMB = 64 }, "too small"},
		{"no cpu model", func(c *Config) { c.GuestCPUModel = "" }, "cpu model"},
		{"no user", func(c *Config) { c.GuestUser = "" }, "guest user"},
		{"bad kernel format", func(c *Config) { c.KernelFormat = "tar" }, "kernel format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Normalize()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}
