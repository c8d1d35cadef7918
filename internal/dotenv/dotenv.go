// Package dotenv reads .env files into the process environment at startup.
package dotenv

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadFile applies KEY=VALUE pairs from path to the process environment.
// Variables already set in the environment win. A missing file is not an
// error, so a bare deployment without a .env just runs on the environment.
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read env file %q: %w", path, err)
	}
	for key, val := range Parse(string(data)) {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set env %q from %q: %w", key, path, err)
		}
	}
	return nil
}

// Parse extracts the KEY=VALUE pairs from dotenv-style text. Blank lines
// and #-comments are skipped, an "export " prefix is tolerated, and single
// or double quotes around a value are stripped.
func Parse(text string) map[string]string {
	pairs := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		pairs[key] = unquote(strings.TrimSpace(val))
	}
	return pairs
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
		return val[1 : len(val)-1]
	}
	return val
}
