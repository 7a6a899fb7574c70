package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Init creates a new warden workspace at root and writes the default config.
func Init(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath(abs)); err == nil {
		return nil, fmt.Errorf("%s is already a warden workspace", abs)
	}

	dirs := []string{
		abs,
		filepath.Join(abs, DirName),
		filepath.Join(abs, DirName, "logs"),
		filepath.Join(abs, DirName, "units"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}

	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(configPath(abs), data, 0644); err != nil {
		return nil, err
	}
	return &Workspace{Root: abs, Config: cfg}, nil
}
