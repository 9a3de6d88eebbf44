package health

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Collector gathers the daemon's operational gauges. It is constructed
// once at startup and passed explicitly to the HTTP surface.
type Collector struct {
	start time.Time
	pid   int32

	trades    func(ctx context.Context) (int, error)
	positions func() int
	crashes   func() int64
	recovery  func() time.Duration
}

// NewCollector wires the metric sources. Any source may be nil; its
// gauge then reads zero.
func NewCollector(
	trades func(ctx context.Context) (int, error),
	positions func() int,
	crashes func() int64,
	recovery func() time.Duration,
) *Collector {
	return &Collector{
		start:     time.Now(),
		pid:       int32(os.Getpid()),
		trades:    trades,
		positions: positions,
		crashes:   crashes,
		recovery:  recovery,
	}
}

// Uptime reports time since collector construction.
func (c *Collector) Uptime() time.Duration { return time.Since(c.start) }

// Start reports when the collector was constructed.
func (c *Collector) Start() time.Time { return c.start }

// rss reads the process resident set size. Zero when unavailable.
func (c *Collector) rss() uint64 {
	proc, err := process.NewProcess(c.pid)
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

// Render produces the text-format metrics exposition.
func (c *Collector) Render(ctx context.Context) string {
	var b strings.Builder

	writeGauge(&b, "uptime_seconds", "Seconds since daemon start.",
		fmt.Sprintf("%.0f", c.Uptime().Seconds()))
	writeGauge(&b, "memory_rss_bytes", "Process resident set size.",
		fmt.Sprintf("%d", c.rss()))

	total := 0
	if c.trades != nil {
		if n, err := c.trades(ctx); err == nil {
			total = n
		}
	}
	writeGauge(&b, "trades_total", "Trades recorded across all users.",
		fmt.Sprintf("%d", total))

	open := 0
	if c.positions != nil {
		open = c.positions()
	}
	writeGauge(&b, "positions_open", "Workers currently carrying exposure.",
		fmt.Sprintf("%d", open))

	var crashed int64
	if c.crashes != nil {
		crashed = c.crashes()
	}
	writeGauge(&b, "crashes_total", "Runner launches and exits that failed.",
		fmt.Sprintf("%d", crashed))

	var rec time.Duration
	if c.recovery != nil {
		rec = c.recovery()
	}
	writeGauge(&b, "last_recovery_time_seconds", "Longest startup reconciliation among active runners.",
		fmt.Sprintf("%.3f", rec.Seconds()))

	return b.String()
}

func writeGauge(b *strings.Builder, name, help, value string) {
	fmt.Fprintf(b, "# HELP schrute_%s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE schrute_%s gauge\n", name)
	fmt.Fprintf(b, "schrute_%s %s\n", name, value)
}
