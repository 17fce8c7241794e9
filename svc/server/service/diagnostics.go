package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atriumworld/atrium/pkg/protocol"
	"github.com/atriumworld/atrium/pkg/watchdog"
)

// The room ticks at 60Hz; snapshots coalesce to the configured emission
// interval.
const tickRate = 60

// pollDiagnostics runs the server tick and periodically broadcasts a
// counter snapshot to every session. A window that observes a clock
// anomaly is reset instead of emitting garbage figures.
func (s *Server) pollDiagnostics(ctx context.Context) {
	interval := time.Duration(s.config.DiagnosticsInterval)
	if interval <= 0 {
		interval = time.Second
	}

	health := watchdog.New("diagnostics", time.Second, 15*time.Second).Poll(ctx)

	ticker := time.NewTicker(time.Second / tickRate)
	defer ticker.Stop()

	lastEmit := time.Now()
	ticks := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-health:
		case <-ticker.C:
			ticks++

			elapsed := time.Since(lastEmit)
			if elapsed < 0 || elapsed > 10*interval {
				log.Debug().
					Dur("elapsed", elapsed).
					Msg("resetting diagnostics window after clock anomaly")
				lastEmit = time.Now()
				ticks = 0
				continue
			}
			if elapsed < interval {
				continue
			}

			stats := s.allocator.Stats()
			s.broadcast(protocol.Diagnostics{
				Op:              protocol.DiagnosticsOp,
				Uptime:          s.Uptime().Seconds(),
				FPS:             float64(ticks) / elapsed.Seconds(),
				SessionCount:    s.registry.Count(),
				PaletteSize:     stats.PaletteSize,
				AvailableCount:  stats.Available,
				LockedCount:     stats.Locked,
				ProceduralCount: stats.Procedural,
			})

			lastEmit = time.Now()
			ticks = 0
		}
	}
}
