// Package governor provides admission control for daemon requests: a
// bounded concurrency permit pool, a resident-memory ceiling and a token
// bucket rate limiter.
package governor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const acquireTimeout = 30 * time.Second

var (
	ErrOverloaded     = errors.New("server overloaded, too many concurrent requests")
	ErrMemoryExceeded = errors.New("memory limit exceeded")
)

// LoadAction classifies current load for callers deciding how to respond.
type LoadAction int

const (
	LoadAccept LoadAction = iota
	LoadThrottle
	LoadReject
)

// Limiter caps resident memory and concurrent requests.
type Limiter struct {
	maxMemoryBytes uint64
	maxConcurrent  int64

	slots chan struct{}

	activeRequests   atomic.Int64
	totalRequests    atomic.Int64
	rejectedRequests atomic.Int64
	startTime        time.Time

	log zerolog.Logger
}

func NewLimiter(maxMemoryMB, maxConcurrent int, log zerolog.Logger) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		maxMemoryBytes: uint64(maxMemoryMB) * 1024 * 1024,
		maxConcurrent:  int64(maxConcurrent),
		slots:          make(chan struct{}, maxConcurrent),
		startTime:      time.Now(),
		log:            log.With().Str("component", "governor").Logger(),
	}
}

// Permit is a held admission slot. Release returns it; releasing twice is a
// no-op.
type Permit struct {
	limiter  *Limiter
	released atomic.Bool
}

func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	<-p.limiter.slots
	p.limiter.activeRequests.Add(-1)
}

// Acquire waits up to 30 seconds for a slot, then fails with ErrOverloaded.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	timer := time.NewTimer(acquireTimeout)
	defer timer.Stop()
	select {
	case l.slots <- struct{}{}:
	case <-timer.C:
		l.rejectedRequests.Add(1)
		return nil, ErrOverloaded
	case <-ctx.Done():
		l.rejectedRequests.Add(1)
		return nil, ctx.Err()
	}
	l.activeRequests.Add(1)
	l.totalRequests.Add(1)
	return &Permit{limiter: l}, nil
}

// TryAcquire never blocks.
func (l *Limiter) TryAcquire() (*Permit, error) {
	select {
	case l.slots <- struct{}{}:
	default:
		l.rejectedRequests.Add(1)
		return nil, ErrOverloaded
	}
	l.activeRequests.Add(1)
	l.totalRequests.Add(1)
	return &Permit{limiter: l}, nil
}

// CheckMemory fails when the process's resident set exceeds the cap and
// warns above 80% of it.
func (l *Limiter) CheckMemory() error {
	if l.maxMemoryBytes == 0 {
		return nil
	}
	rss, err := residentSetBytes()
	if err != nil {
		// No resident-set reading on this platform; fall back to Go heap.
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		rss = stats.Sys
	}
	if rss > l.maxMemoryBytes {
		return fmt.Errorf("%w: %d MB > %d MB", ErrMemoryExceeded, rss>>20, l.maxMemoryBytes>>20)
	}
	if rss > l.maxMemoryBytes/100*80 {
		l.log.Warn().
			Uint64("memory_mb", rss>>20).
			Uint64("limit_mb", l.maxMemoryBytes>>20).
			Msg("Memory usage above 80% of limit")
	}
	return nil
}

// LoadAction classifies utilization: <75% accept, 75-90% throttle, >90%
// reject.
func (l *Limiter) LoadAction() LoadAction {
	pct := float64(l.activeRequests.Load()) / float64(l.maxConcurrent) * 100
	switch {
	case pct > 90:
		return LoadReject
	case pct >= 75:
		return LoadThrottle
	default:
		return LoadAccept
	}
}

type Stats struct {
	ActiveRequests   int64
	TotalRequests    int64
	RejectedRequests int64
	UptimeSeconds    int64
	UtilizationPct   float64
}

func (l *Limiter) Stats() Stats {
	active := l.activeRequests.Load()
	return Stats{
		ActiveRequests:   active,
		TotalRequests:    l.totalRequests.Load(),
		RejectedRequests: l.rejectedRequests.Load(),
		UptimeSeconds:    int64(time.Since(l.startTime).Seconds()),
		UtilizationPct:   float64(active) / float64(l.maxConcurrent) * 100,
	}
}

func (s Stats) RejectionRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.RejectedRequests) / float64(s.TotalRequests) * 100
}

func (s Stats) RequestsPerSecond() float64 {
	if s.UptimeSeconds == 0 {
		return 0
	}
	return float64(s.TotalRequests) / float64(s.UptimeSeconds)
}

// residentSetBytes reads VmRSS from /proc on Linux.
func residentSetBytes() (uint64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, errors.New("VmRSS not found")
}
