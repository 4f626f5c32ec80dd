package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

const (
	// LicenseFileName is the default license file, kept next to the binary.
	LicenseFileName = "courierx.lic"
	// ConfigFileName is the optional YAML config next to the binary.
	ConfigFileName = "trialguard.yaml"
)

// Paths contains the application paths.
// All defaults are relative to the executable, never the working directory.
type Paths struct {
	ExecutableDir string
	LicenseFile   string
	ConfigFile    string
	LogsDir       string
}

// GetPaths resolves the paths relative to the running executable.
func GetPaths() (*Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	// Resolve symlinks to get the actual executable location
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}

	return PathsFor(filepath.Dir(exe)), nil
}

// PathsFor lays out the paths under dir.
func PathsFor(dir string) *Paths {
	return &Paths{
		ExecutableDir: dir,
		LicenseFile:   filepath.Join(dir, LicenseFileName),
		ConfigFile:    filepath.Join(dir, ConfigFileName),
		LogsDir:       filepath.Join(dir, "logs"),
	}
}

// Resolve expands a leading ~ and anchors relative paths at the
// executable directory. An empty path yields fallback.
func (p *Paths) Resolve(path, fallback string) (string, error) {
	if path == "" {
		return fallback, nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", path, err)
	}
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded), nil
	}
	return filepath.Join(p.ExecutableDir, expanded), nil
}
