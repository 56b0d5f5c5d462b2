package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/linegate/linegate/metrics"
)

// Gateway serializes concurrent callers onto the worker's stdin/stdout
// streams. One exchange is in flight at a time: write one query line, read
// back one reply line within the exchange timeout.
type Gateway struct {
	Supervisor *Supervisor

	// ExchangeTimeout bounds the wait for the worker's reply line.
	ExchangeTimeout time.Duration

	Metrics *metrics.Worker

	// mu is the exclusion gate over the worker's streams. Go's mutex
	// hands off in FIFO order under sustained contention, which keeps
	// waiting exchanges from starving.
	mu sync.Mutex
}

// Handle forwards one query line to the worker and returns the reply line
// with its trailing newline stripped.
//
// The worker having already exited yields a WorkerUnavailableError carrying
// the exit code. A failed stdin write yields a StreamClosedError. A missing
// reply, whether by timeout or stdout closing first, yields ErrNoOutput.
func (g *Gateway) Handle(ctx context.Context, query string) (string, error) {
	start := time.Now()
	text, err := g.exchange(ctx, query)
	g.observe(err, time.Since(start))
	return text, err
}

func (g *Gateway) exchange(ctx context.Context, query string) (string, error) {
	wp, err := g.Supervisor.EnsureStarted()
	if err != nil {
		return "", fmt.Errorf("spawn worker: %w", err)
	}

	if code, exited := wp.Exited(); exited {
		return "", &WorkerUnavailableError{ExitCode: code}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// A previous exchange may have timed out before its reply arrived.
	// Anything already buffered belongs to it, not to this query.
	discardStale(wp)

	if _, err := io.WriteString(wp.stdin, query+"\n"); err != nil {
		return "", &StreamClosedError{Err: err}
	}

	timeout := g.ExchangeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-wp.Lines():
		if !ok {
			return "", ErrNoOutput
		}
		return line, nil
	case <-timer.C:
		return "", ErrNoOutput
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// discardStale drops reply lines already queued by the pump. It only clears
// replies that landed before this exchange's write. A reply arriving after
// the write is indistinguishable from the answer to it, so a worker that is
// late by more than the exchange timeout can still get one reply matched to
// the wrong query.
func discardStale(wp *WorkerProcess) {
	for {
		select {
		case line, ok := <-wp.lines:
			if !ok {
				return
			}
			log.Printf("Discarding stale worker output: %q", line)
		default:
			return
		}
	}
}

func (g *Gateway) observe(err error, took time.Duration) {
	if g.Metrics == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	g.Metrics.ExchangesTotal.WithLabelValues(status).Inc()
	g.Metrics.ExchangeDurationHistogram.Observe(took.Seconds())
}
