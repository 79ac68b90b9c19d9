// Package relay pipes bytes between the two halves of a forwarded
// connection on a proxy node.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/postalsys/hybridwire/internal/logging"
	"github.com/postalsys/hybridwire/internal/metrics"
)

const (
	// bufferSize is the copy buffer per direction.
	bufferSize = 32 * 1024

	// burstSize lets a limited direction move one buffer's worth at once.
	burstSize = 16 * 1024
)

// Options configures a relay.
type Options struct {
	// BytesPerSecond caps each direction. Zero means unlimited.
	BytesPerSecond int64
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Stats counts bytes moved in each direction. Upstream is client to target.
type Stats struct {
	Upstream   int64
	Downstream int64
	Duration   time.Duration
}

// Relay copies between client and target until either side closes or ctx is
// cancelled. Both connections are closed when it returns.
func Relay(ctx context.Context, client, target net.Conn, opts Options) (Stats, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	var stats Stats
	start := time.Now()
	opts.Metrics.RecordRelayStart()

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			client.Close()
			target.Close()
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		n, err := pipe(gctx, target, client, opts.BytesPerSecond)
		stats.Upstream = n
		closeBoth()
		return err
	})
	g.Go(func() error {
		n, err := pipe(gctx, client, target, opts.BytesPerSecond)
		stats.Downstream = n
		closeBoth()
		return err
	})

	err := g.Wait()
	closeBoth()
	stats.Duration = time.Since(start)
	opts.Metrics.RecordRelayEnd(stats.Upstream, stats.Downstream)

	if ctx.Err() != nil {
		err = ctx.Err()
	}

	logger.Debug("relay finished",
		logging.KeyRemoteAddr, addr(client.RemoteAddr()),
		logging.KeyTarget, addr(target.RemoteAddr()),
		"upstream", humanize.IBytes(uint64(stats.Upstream)),
		"downstream", humanize.IBytes(uint64(stats.Downstream)),
		logging.KeyDuration, stats.Duration)

	return stats, err
}

// pipe copies src to dst. Closed-connection errors caused by the other
// direction finishing first count as a clean end.
func pipe(ctx context.Context, dst io.Writer, src io.Reader, bytesPerSecond int64) (int64, error) {
	if bytesPerSecond > 0 {
		dst = &limitedWriter{
			w:       dst,
			ctx:     ctx,
			limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstSize),
		}
	}
	buf := make([]byte, bufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return n, nil
	}
	return n, err
}

// limitedWriter waits for tokens before each write. Writes larger than the
// burst are split.
type limitedWriter struct {
	w       io.Writer
	ctx     context.Context
	limiter *rate.Limiter
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > burstSize {
			chunk = chunk[:burstSize]
		}
		if err := l.limiter.WaitN(l.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := l.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

func addr(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
