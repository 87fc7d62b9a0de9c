package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// LoadAddressList reads a flat JSON array of addresses. A missing file
// yields an empty list, not an error.
func LoadAddressList(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read address list %s: %w", path, err)
	}

	var addrs []string
	if err := json.Unmarshal(raw, &addrs); err != nil {
		return nil, fmt.Errorf("parse address list %s: %w", path, err)
	}
	return addrs, nil
}

// SaveAddressList rewrites path with the given addresses as a flat JSON
// array.
func SaveAddressList(path string, addrs []string) error {
	if addrs == nil {
		addrs = []string{}
	}
	raw, err := json.Marshal(addrs)
	if err != nil {
		return fmt.Errorf("encode address list: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write address list %s: %w", path, err)
	}
	return nil
}
