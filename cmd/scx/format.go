package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smartcontrolx/scx/internal/protocol"
	"github.com/smartcontrolx/scx/internal/supervisor"
)

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// formatMs formats a millisecond sample with one decimal.
func formatMs(ms float64) string {
	if ms == 0 {
		return "0ms"
	}
	return fmt.Sprintf("%.1fms", ms)
}

// formatStats renders the periodic status line.
func formatStats(st supervisor.Stats, bytes uint64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fps %.1f  ping %s  units %d (%s)", st.FPS, formatMs(st.RTTMs), st.Units, formatBytes(bytes))
	if st.DecodeErrors > 0 {
		fmt.Fprintf(&b, "  decode errors %d", st.DecodeErrors)
	}
	if st.Recording {
		b.WriteString("  REC")
	}
	return b.String()
}

// parseInputLine parses one scripted input line:
//
//	mouse <x> <y> <button> <action>
//	key <keycode> <action>
//
// Actions are numeric or one of up, down, move. Blank lines and lines
// starting with # yield a nil event.
func parseInputLine(line string) (protocol.Event, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil, nil
	}

	switch fields[0] {
	case "mouse":
		if len(fields) != 5 {
			return nil, fmt.Errorf("mouse wants x y button action, got %d fields", len(fields)-1)
		}
		var v [3]int32
		for i := range v {
			n, err := parseInt32(fields[i+1])
			if err != nil {
				return nil, err
			}
			v[i] = n
		}
		action, err := parseAction(fields[4])
		if err != nil {
			return nil, err
		}
		return protocol.Mouse{X: v[0], Y: v[1], Button: v[2], Action: action}, nil

	case "key":
		if len(fields) != 3 {
			return nil, fmt.Errorf("key wants keycode action, got %d fields", len(fields)-1)
		}
		code, err := parseInt32(fields[1])
		if err != nil {
			return nil, err
		}
		action, err := parseAction(fields[2])
		if err != nil {
			return nil, err
		}
		return protocol.Key{Keycode: code, Action: action}, nil

	default:
		return nil, fmt.Errorf("unknown input %q", fields[0])
	}
}

func parseInt32(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return int32(n), nil
}

func parseAction(s string) (int32, error) {
	switch s {
	case "up":
		return protocol.ActionUp, nil
	case "down":
		return protocol.ActionDown, nil
	case "move":
		return protocol.ActionMove, nil
	}
	return parseInt32(s)
}
