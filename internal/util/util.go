package util

import "strings"

// MaskKey obscures an idempotency key for logging purposes, showing only the
// first and last few characters.
func MaskKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	} else if len(key) > 4 {
		return key[:2] + "..." + key[len(key)-2:]
	} else if len(key) > 2 {
		return key[:1] + "..." + key[len(key)-1:]
	}
	return key
}
