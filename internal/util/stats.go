package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide video pipeline counter.
var Stats = &stats{}

type stats struct {
	FramesQueued    atomic.Int64 // frames handed to the submission queue
	FramesSubmitted atomic.Int64 // frames emitted as GFX frames on the wire
	FramesDropped   atomic.Int64 // frames discarded by queue bounding
	FramesAcked     atomic.Int64 // frame acknowledgements received
	BytesSent       atomic.Int64 // cumulative PDU bytes written to the channel
}

func (s *stats) AddQueued()    { s.FramesQueued.Add(1) }
func (s *stats) AddSubmitted() { s.FramesSubmitted.Add(1) }
func (s *stats) AddDropped(n int) {
	s.FramesDropped.Add(int64(n))
}
func (s *stats) AddAcked()     { s.FramesAcked.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs stream statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSubmitted, prevDropped, prevAcked, prevSent int64
		for {
			select {
			case <-ticker.C:
				submitted := Stats.FramesSubmitted.Load()
				dropped := Stats.FramesDropped.Load()
				acked := Stats.FramesAcked.Load()
				sent := Stats.BytesSent.Load()

				fps := float64(submitted-prevSubmitted) / 10.0
				outS := float64(sent-prevSent) / 10.0
				dC := dropped - prevDropped
				aC := acked - prevAcked

				if fps > 0 || dC > 0 {
					pterm.DefaultLogger.Info(formatStats(fps, outS, dC, aC))
				}

				prevSubmitted = submitted
				prevDropped = dropped
				prevAcked = acked
				prevSent = sent

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width
// (exactly 8 chars), for example: "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(fps, outS float64, dropped, acked int64) string {
	return fmt.Sprintf("Out: %4.1f fps %s/s | Dropped: %2d | Acked: %3d",
		fps,
		formatBytes(outS),
		dropped,
		acked,
	)
}
