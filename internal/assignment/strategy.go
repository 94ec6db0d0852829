package assignment

import (
	"fmt"
	"strings"
)

// Strategy selects one user among the available members of a role.
type Strategy int

const (
	Workload Strategy = iota
	RoundRobin
	Random
)

func (s Strategy) String() string {
	switch s {
	case Workload:
		return "workload"
	case RoundRobin:
		return "round-robin"
	case Random:
		return "random"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps the name stored on a node onto a Strategy. The empty string is Workload.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "workload":
		return Workload, nil
	case "round-robin", "roundrobin", "round_robin":
		return RoundRobin, nil
	case "random":
		return Random, nil
	}
	return Workload, fmt.Errorf("unknown assignment strategy %q", name)
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strategy) UnmarshalText(b []byte) error {
	parsed, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
