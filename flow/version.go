package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// BumpMinor advances a semver-ish version string by one minor step,
// resetting the patch component. Unparseable versions fall back to
// "1.1.0" so publishing never fails on a cosmetic field.
func BumpMinor(version string) string {
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(version), "v"), ".")
	if len(parts) < 2 {
		return "1.1.0"
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return "1.1.0"
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return "1.1.0"
	}
	return fmt.Sprintf("%d.%d.0", major, minor+1)
}
