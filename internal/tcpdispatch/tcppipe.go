package tcpdispatch

import (
	"context"
	"net"
	"runtime"
	"sync/atomic"
	"time"
)

const (
	pipeBufSize     = 2048
	pipeIdleTimeout = 200 * time.Second
)

// Pipe copies bytes from src to dst until ctx is cancelled, src hits EOF or
// an error, or src goes idle for longer than pipeIdleTimeout, per spec.md
// §4.9's TcpPipe. It yields before each read (runtime.Gosched, the
// cooperative-yield equivalent of the teacher's async yield_now) and stores
// the millisecond timestamp of the last successful write into lastActivityMs,
// so a caller can run an idle sweep or expose per-flow staleness as a
// metric without owning the read loop itself. Cancelling ctx also ends a
// read that is already blocked on src.
func Pipe(ctx context.Context, dst, src net.Conn, lastActivityMs *atomic.Int64) {
	lastActivityMs.Store(time.Now().UnixMilli())

	stop := context.AfterFunc(ctx, func() { src.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	buf := make([]byte, pipeBufSize)
	for {
		runtime.Gosched()

		src.SetReadDeadline(time.Now().Add(pipeIdleTimeout))
		if ctx.Err() != nil {
			return
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			lastActivityMs.Store(time.Now().UnixMilli())
		}
		if err != nil {
			return
		}
	}
}
