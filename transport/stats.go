package transport

import (
	"sync/atomic"
	"time"
)

// Stats tracks per-server connection and request counters, mirroring the
// teacher's network/server.Stats.
type Stats struct {
	StartTime  time.Time
	ConnCount  int64
	CmdCount   int64
	ErrorCount int64
}

func (s *Stats) IncrConnCount() { atomic.AddInt64(&s.ConnCount, 1) }
func (s *Stats) DecrConnCount() { atomic.AddInt64(&s.ConnCount, -1) }
func (s *Stats) IncrCmdCount()  { atomic.AddInt64(&s.CmdCount, 1) }
func (s *Stats) IncrErrorCount() {
	atomic.AddInt64(&s.ErrorCount, 1)
}
