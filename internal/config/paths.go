package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigDir returns ~/.substrate, creating nothing.
func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".substrate"), nil
}

// GetProjectDir walks up from the working directory looking for a
// .substrate or .git directory, falling back to the working directory
// itself if neither is found.
func GetProjectDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for {
		substrateDir := filepath.Join(dir, ".substrate")
		if _, err := os.Stat(substrateDir); err == nil {
			return dir, nil
		}

		gitDir := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitDir); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return wd, nil
		}
		dir = parent
	}
}

// EnsureConfigDirs creates the user and project config directories.
func EnsureConfigDirs(userConfigDir, projectDir string) error {
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}
	projectConfigDir := filepath.Join(projectDir, ".substrate")
	return os.MkdirAll(projectConfigDir, 0755)
}

// BasesDir returns the directory shared manifest bases live under
// (~/.substrate/bases), matching manifest.resolveBasePath's expectation.
func BasesDir(userConfigDir string) string {
	return filepath.Join(userConfigDir, "bases")
}
