package util

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"time"
)

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyz")

func Randstring(n int) string {
	rand := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}

// Returns the last line of the output which has any content. Returns an empty string if there is no such line.
func LastNonEmptyLine(out []byte) string {
	lines := strings.Split(string(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if len(line) > 0 {
			return line
		}
	}
	return ""
}

// Hashes a config map into a stable identifier. Map keys are serialized in sorted order, so two equal configs always
// produce the same hash regardless of how they were built.
func ConfigHash(config map[string]any) (string, error) {
	buf, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("marshalling config failed: %w", err)
	}
	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Returns the map's keys in sorted order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Copies a config map one level deep. Nested maps and slices are shared.
func CopyConfig(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out
}
