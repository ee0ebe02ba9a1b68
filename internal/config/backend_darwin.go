//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultsDomain = "com.lore.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", appName)
	}
	return appName + "-data"
}

func apiKeyHint() string {
	return " or macOS Keychain (service: " + keychainService + ", account: " + keychainAPIKeyAcct + ")"
}

// defaultsBackend reads and writes UserDefaults through the defaults CLI.
// Booleans read back as 1 or 0, which strconv.ParseBool accepts.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

func (b *defaultsBackend) Get(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, s)
	}
	return s, true, nil
}

func (b *defaultsBackend) Set(key string, val any) error {
	var typeFlag, text string
	switch v := val.(type) {
	case int:
		typeFlag, text = "-int", strconv.Itoa(v)
	case bool:
		typeFlag, text = "-bool", strconv.FormatBool(v)
	case float64:
		typeFlag, text = "-float", strconv.FormatFloat(v, 'f', -1, 64)
	case time.Duration:
		typeFlag, text = "-string", v.String()
	default:
		typeFlag, text = "-string", fmt.Sprint(v)
	}
	if out, err := exec.Command("defaults", "write", b.domain, key, typeFlag, text).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *defaultsBackend) Delete(key string) error {
	return exec.Command("defaults", "delete", b.domain, key).Run()
}
