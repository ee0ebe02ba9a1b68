//go:build darwin

package config

import (
	"fmt"
	"os/exec"
	"strings"
)

func keychainGet(service, account string) ([]byte, error) {
	return exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
}

// keychainSet adds the item or updates it in place (-U).
func keychainSet(service, account, value string) error {
	out, err := exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("keychain: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
