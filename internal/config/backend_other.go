//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// xdgDir resolves an XDG base directory, falling back to home/rel and then
// to the working directory.
func xdgDir(env, rel string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, rel)
	}
	return "."
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), appName)
}

func apiKeyHint() string {
	return " or " + secretsFilePath() + " (service: " + keychainService + ", account: " + keychainAPIKeyAcct + ")"
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appName, "config.json")
}

// fileBackend keeps keys in a flat JSON object. Numbers and booleans are
// stored as JSON numbers and booleans, durations as Go duration strings.
type fileBackend struct {
	path string
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	if _, err := readJSONFile(path, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not read config file: %v. Using default values.\n", err)
		b.data = make(map[string]any)
	}
	return b
}

func (b *fileBackend) Get(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	case int:
		return strconv.Itoa(val), true, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true, nil
	default:
		return "", true, fmt.Errorf("unsupported value type %T for %s", v, key)
	}
}

func (b *fileBackend) Set(key string, val any) error {
	if d, ok := val.(time.Duration); ok {
		val = d.String()
	}
	b.data[key] = val
	return writeJSONFile(b.path, b.data)
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return writeJSONFile(b.path, b.data)
}
