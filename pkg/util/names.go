package util

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

const maxNameLength = 63

// LeaseName returns a DNS-label-safe lease name for a node. Long node names
// are shortened with a stable hash suffix.
func LeaseName(nodeName string) string {
	base := "nodedrainer-" + sanitize(nodeName)
	if len(base) <= maxNameLength {
		return base
	}
	h := sha1.Sum([]byte(nodeName))
	suffix := "-" + hex.EncodeToString(h[:8])
	return strings.TrimRight(base[:maxNameLength-len(suffix)], "-") + suffix
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, ".", "-")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "_", "-")
	return strings.Trim(s, "-")
}
