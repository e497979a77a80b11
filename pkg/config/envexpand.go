package config

import "os"

// ExpandEnv expands environment variables in raw config file content.
// Supports both ${VAR} and $VAR syntax (standard shell-style).
//
// Missing variables expand to empty string. Validation catches required
// fields that come out empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
