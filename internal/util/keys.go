package util

import (
	"fmt"
	"path/filepath"
)

// IsHexKey reports whether s is a lowercase hex key of the given byte length.
func IsHexKey(s string, size int) bool {
	if len(s) != 2*size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ShardPath places key under a two-hex-character bucket of dir:
// dir/<key[:2]>/<key><ext>.
func ShardPath(dir, key, ext string) (string, error) {
	if len(key) < 2 {
		return "", fmt.Errorf("shard key %q too short", key)
	}
	return filepath.Join(dir, key[:2], key+ext), nil
}
