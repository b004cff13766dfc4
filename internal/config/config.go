// Package config loads a board description for rv64run: the DRAM size,
// attached disk/flash images, and run options that would otherwise have
// to be repeated as flags every invocation.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds how large a board file rv64run will parse.
const maxConfigSize = 1 << 20 // 1MB

// Board describes a machine to boot: its memory size, attached storage,
// and default run options. Flags passed on the command line override the
// corresponding field after the file is loaded.
type Board struct {
	DRAMSizeMB    uint64   `yaml:"dram_size_mb"`
	DiskPath      string   `yaml:"disk_path,omitempty"`
	FlashPaths    []string `yaml:"flash_paths,omitempty"`
	SignaturePath string   `yaml:"signature_path,omitempty"`
	TimeoutMS     uint64   `yaml:"timeout_ms,omitempty"`
	Headless      bool     `yaml:"headless,omitempty"`
}

// Load reads and parses a board YAML file.
func Load(path string) (*Board, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat board config %q: %w", path, err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("board config %q too large: %d bytes", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read board config %q: %w", path, err)
	}

	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse board config %q: %w", path, err)
	}

	slog.Info("loaded board config", "path", path, "dram_size_mb", b.DRAMSizeMB, "disk", b.DiskPath)
	return &b, nil
}
