// Package smb provides an adapter for SMB/CIFS network shares.
// The share must be pre-mounted on the OS (via mount.cifs or fstab).
// This adapter delegates to the local adapter at the mount path and
// watches by polling, since CIFS mounts do not deliver change
// notifications for writes made by other clients.
package smb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/adapter/local"
)

const defaultPollInterval = 5 * time.Second

// Config holds SMB adapter settings.
// Server/Username/Domain are kept for operator reference.
// Actual I/O uses the MountPath where the share is pre-mounted.
type Config struct {
	Server       string           `json:"server"`   // SMB server path (e.g., //server/share)
	Username     string           `json:"username"` // SMB credentials
	Domain       string           `json:"domain"`
	MountPath    string           `json:"mount_path"` // Local mount point where share is mounted
	PollInterval adapter.Duration `json:"poll_interval"`
	TrashDir     string           `json:"trash_dir"` // Passed to the local adapter
}

// Adapter wraps a local adapter at the SMB mount point.
type Adapter struct {
	*local.Adapter
	config Config
}

// New creates a new SMB adapter from the given config.
func New(cfg Config) (*Adapter, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = adapter.Duration(defaultPollInterval)
	}

	la, err := local.New(local.Config{
		RootPath:     cfg.MountPath,
		PollInterval: cfg.PollInterval,
		TrashDir:     cfg.TrashDir,
	})
	if err != nil {
		return nil, fmt.Errorf("smb adapter at %s: %w", cfg.MountPath, err)
	}

	return &Adapter{
		Adapter: la,
		config:  cfg,
	}, nil
}

// NewFromJSON creates an Adapter from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Adapter, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// Type returns "smb".
func (a *Adapter) Type() string { return "smb" }

// Server returns the configured share name.
func (a *Adapter) Server() string { return a.config.Server }
