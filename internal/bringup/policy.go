package bringup

import (
	"fmt"
	"strings"
)

// DisablePolicy decides when the core leaves virtualization mode.
type DisablePolicy int

const (
	// DisableAfterJoin waits for every dispatched guest before disabling.
	DisableAfterJoin DisablePolicy = iota
	// DisableAfterDispatch disables as soon as the last guest is dispatched,
	// while guests may still be running.
	DisableAfterDispatch
	// DisableNever leaves the core enabled and hands the controller to the
	// caller through the report.
	DisableNever
)

func (p DisablePolicy) String() string {
	switch p {
	case DisableAfterJoin:
		return "after-join"
	case DisableAfterDispatch:
		return "after-dispatch"
	case DisableNever:
		return "never"
	default:
		return fmt.Sprintf("DisablePolicy(%d)", int(p))
	}
}

func ParseDisablePolicy(s string) (DisablePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "after-join", "join":
		return DisableAfterJoin, nil
	case "after-dispatch", "dispatch":
		return DisableAfterDispatch, nil
	case "never", "none":
		return DisableNever, nil
	default:
		return 0, fmt.Errorf("unknown disable policy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p DisablePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *DisablePolicy) UnmarshalText(text []byte) error {
	v, err := ParseDisablePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
