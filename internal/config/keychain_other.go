//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

// secrets maps service -> account -> secret.
type secrets map[string]map[string]string

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), appName, "secrets.json")
}

func keychainGet(service, account string) ([]byte, error) {
	var s secrets
	ok, err := readJSONFile(secretsFilePath(), &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no secrets file")
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}

// keychainSet rewrites the secrets file. A corrupt file is replaced.
func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	s := secrets{}
	if _, err := readJSONFile(p, &s); err != nil || s == nil {
		s = secrets{}
	}
	if s[service] == nil {
		s[service] = map[string]string{}
	}
	s[service][account] = value
	return writeJSONFile(p, s)
}
