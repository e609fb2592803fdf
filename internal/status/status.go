// Package status carries session lifecycle reports from the network
// sessions to whoever drives them (the supervisor, and through it a UI).
package status

import (
	"fmt"
	"time"
)

// Kind names the session that produced an update.
type Kind string

const (
	KindDiscovery Kind = "discovery"
	KindControl   Kind = "control"
	KindVideo     Kind = "video"
)

// Update is one status report. Err is set only for terminal failures.
// Addr is the peer address where known; for discovery it is the found host.
type Update struct {
	Kind      Kind
	SessionID string
	State     string
	Message   string
	Addr      string
	Err       error
	Time      time.Time
}

func (u Update) String() string {
	if u.Err != nil {
		return fmt.Sprintf("%s [%s] %s: %v", u.Kind, u.State, u.Message, u.Err)
	}
	return fmt.Sprintf("%s [%s] %s", u.Kind, u.State, u.Message)
}

// Reporter receives updates. It must not block; a nil Reporter drops them.
type Reporter func(Update)

// Report delivers u if r is set.
func (r Reporter) Report(u Update) {
	if r != nil {
		r(u)
	}
}
