package engine

import "time"

// Clock supplies time and slot at the ingestion boundary. The engine
// itself never reads the wall clock: every operation's timestamp is a
// versioned input carried on the request, so replay is deterministic.
type Clock interface {
	Now() time.Time
	Slot() uint64
}

// WallClock stamps requests with real time. Slots advance at a fixed
// 400ms cadence from the unix epoch.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

func (WallClock) Slot() uint64 {
	return uint64(time.Now().UnixMilli() / 400)
}
