package tcpstack

import "time"

// POSIX domain/type/protocol numbers this engine registers under (spec
// §4.I's "(domain, type, protocol)" tuple).
const (
	sockAFINET  = 2
	sockStream  = 1
	ipprotoTCP  = 6
)

func timeSince(t time.Time) time.Duration { return time.Since(t) }
