package node

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRole turns a --role flag into a hub slot: "normal" is -1, "hub:N"
// is slot N. A node started as a hub still resigns once the presence
// broker is reachable directly.
func ParseRole(s string, hubs int) (int, error) {
	switch {
	case s == "" || s == "normal":
		return -1, nil
	case strings.HasPrefix(s, "hub:"):
		i, err := strconv.Atoi(strings.TrimPrefix(s, "hub:"))
		if err != nil {
			return 0, fmt.Errorf("role %q: %w", s, err)
		}
		if i < 0 || i >= hubs {
			return 0, fmt.Errorf("role %q: hub slot out of range [0,%d)", s, hubs)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("unknown role %q (use 'normal' or 'hub:<slot>')", s)
	}
}
