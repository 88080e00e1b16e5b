package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// The canonical protocol validator requires version >= 6.0.0. A transition
// allow-list additionally accepts exactly 4.6.0 while PROTOCOL_V7_NORMALIZATION
// is enabled, so fleets still draining off the 4.x line can negotiate.
// The allow-list sunsets 2026-12-31; remove transitionAllowList and the env
// gate together.

const minProtocolMajor = 6

var transitionAllowList = map[string]bool{
	"4.6.0": true,
}

// ProtocolVersionOK validates a negotiated protocol version string
// ("major.minor.patch").
func ProtocolVersionOK(version string) error {
	major, ok := parseMajor(version)
	if !ok {
		return fmt.Errorf("protocol version %q: malformed", version)
	}
	if major >= minProtocolMajor {
		return nil
	}
	if transitionAllowList[version] && v7NormalizationEnabled() {
		return nil
	}
	return fmt.Errorf("protocol version %q: below minimum %d.0.0", version, minProtocolMajor)
}

func parseMajor(version string) (int, bool) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) != 3 {
		return 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return major, true
}

func v7NormalizationEnabled() bool {
	switch strings.ToLower(os.Getenv("PROTOCOL_V7_NORMALIZATION")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
