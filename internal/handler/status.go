package handler

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"tg-imagebot/internal/logger"
)

// Stats counts what the handler has processed since start
type Stats struct {
	commands    atomic.Int64
	submissions atomic.Int64
	blocked     atomic.Int64
	errors      atomic.Int64
	startTime   time.Time
}

func newStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// GetProcessingStats returns counters and runtime figures
func (h *Handler) GetProcessingStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"uptime_seconds":    int64(time.Since(h.stats.startTime).Seconds()),
		"total_commands":    h.stats.commands.Load(),
		"total_submissions": h.stats.submissions.Load(),
		"total_blocked":     h.stats.blocked.Load(),
		"total_errors":      h.stats.errors.Load(),
		"memory_usage_mb":   bToMb(m.Alloc),
		"sys_memory_mb":     bToMb(m.Sys),
		"gc_runs":           m.NumGC,
		"goroutines":        runtime.NumGoroutine(),
	}
}

// LogProcessingStats logs the counters every interval and prunes expired
// cooldowns, until ctx is done
func (h *Handler) LogProcessingStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := h.GetProcessingStats()
		logger.Infof("Processing stats: %+v", stats)

		if pruned := h.cooldowns.Cleanup(); pruned > 0 {
			logger.Debugf("Pruned %d expired cooldowns", pruned)
		}

		commands := stats["total_commands"].(int64)
		errors := stats["total_errors"].(int64)
		if commands > 0 && float64(errors)/float64(commands) > 0.1 {
			logger.Warningf("High error rate: %.2f%% (%d errors out of %d commands)",
				float64(errors)/float64(commands)*100, errors, commands)
		}
	}
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}

// DetailedStatus renders the stats and the queue for /stats and the debug endpoint
func (h *Handler) DetailedStatus() string {
	stats := h.GetProcessingStats()
	return fmt.Sprintf(`=== Image Bot Status ===
Uptime: %d seconds
Commands: %d
Submissions: %d
Blocked by moderation: %d
Errors: %d
Memory Usage: %d MB
System Memory: %d MB
GC Runs: %d
Goroutines: %d
Queue:
%s`,
		stats["uptime_seconds"],
		stats["total_commands"],
		stats["total_submissions"],
		stats["total_blocked"],
		stats["total_errors"],
		stats["memory_usage_mb"],
		stats["sys_memory_mb"],
		stats["gc_runs"],
		stats["goroutines"],
		h.orch.QueueReport(),
	)
}
