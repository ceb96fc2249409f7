package request

import "fmt"

// Priority orders requests within a scheduler lane. Lower numeric value
// is higher priority (§3).
type Priority int

const (
	High Priority = iota
	Normal
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority decodes the IPC-frame priority string, defaulting to
// Normal for an empty string (§6, "priority" is optional).
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "NORMAL":
		return Normal, nil
	case "HIGH":
		return High, nil
	case "LOW":
		return Low, nil
	default:
		return Normal, fmt.Errorf("unknown priority %q", s)
	}
}
