package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DirName is the per-workspace state directory.
const DirName = ".warden"

// Workspace holds the root path and validated config.
type Workspace struct {
	Root   string
	Config Config
}

// configPath returns the path to .warden/config.yaml for the given root.
func configPath(root string) string {
	return filepath.Join(root, DirName, "config.yaml")
}

// Open reads .warden/config.yaml, applies WARDEN_* overrides and returns a
// Workspace.
func Open(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	path := configPath(abs)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s is not a warden workspace (%s/config.yaml not found)", abs, DirName)
		}
		return nil, err
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return &Workspace{Root: abs, Config: cfg}, nil
}

// FindRoot walks up from dir until a .warden/config.yaml is found.
func FindRoot(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(configPath(abs)); err == nil {
			return Open(abs)
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, fmt.Errorf("no warden workspace found (%s/config.yaml not found in %s or any parent)", DirName, dir)
		}
		abs = parent
	}
}

// Path helpers; all state lives under <root>/.warden/

func (ws *Workspace) StateDir() string { return filepath.Join(ws.Root, DirName) }
func (ws *Workspace) LogsDir() string  { return filepath.Join(ws.Root, DirName, "logs") }
func (ws *Workspace) UnitsDir() string { return filepath.Join(ws.Root, DirName, "units") }
func (ws *Workspace) ConfigPath() string {
	return configPath(ws.Root)
}
func (ws *Workspace) SupervisorPIDPath() string {
	return filepath.Join(ws.Root, DirName, "supervisor.pid")
}

// WebAddrPath holds the host:port a running supervisor's web adapter is
// listening on, for the remote commands.
func (ws *Workspace) WebAddrPath() string {
	return filepath.Join(ws.Root, DirName, "web.addr")
}

// LogPath is the combined stdout/stderr log of one task's unit process.
func (ws *Workspace) LogPath(id int64) string {
	return filepath.Join(ws.LogsDir(), "task-"+strconv.FormatInt(id, 10)+".log")
}

// UnitPath is the pid record of one task's unit process.
func (ws *Workspace) UnitPath(id int64) string {
	return filepath.Join(ws.UnitsDir(), strconv.FormatInt(id, 10)+".json")
}

// SaveConfig writes the config back to .warden/config.yaml.
func (ws *Workspace) SaveConfig() error {
	if err := ws.Config.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(ws.Config)
	if err != nil {
		return err
	}
	return AtomicWrite(configPath(ws.Root), data)
}

// AtomicWrite writes data to path atomically via temp file + rename.
func AtomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
