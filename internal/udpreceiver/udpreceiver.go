// Package udpreceiver runs one task per UDP source socket, allocating
// packet buffers from a shared packetpool.Pool and delivering
// (packet, source) pairs to a bounded channel, per spec.md §2/§4.1.
package udpreceiver

import (
	"context"
	"log"
	"net"
	"net/netip"
	"time"

	"tunnelagent/internal/packetpool"
)

// Datagram is one received packet paired with its source address. The
// Packet must be released by the consumer exactly once.
type Datagram struct {
	Packet *packetpool.Packet
	From   netip.AddrPort
}

// Receiver reads datagrams from conn, allocating from pool, and delivers
// them on Out. It never blocks conn's socket on a full Out channel for
// longer than necessary: a bounded channel (spec.md §9's 1024-event
// backpressure policy) means a slow consumer causes drops, not unbounded
// growth.
type Receiver struct {
	conn *net.UDPConn
	pool *packetpool.Pool
	Out  chan Datagram

	lastExhaustedWarnAt time.Time
}

// New returns a Receiver reading from conn, allocating from pool, and
// buffering up to outCap undelivered datagrams.
func New(conn *net.UDPConn, pool *packetpool.Pool, outCap int) *Receiver {
	return &Receiver{
		conn: conn,
		pool: pool,
		Out:  make(chan Datagram, outCap),
	}
}

// Run blocks reading datagrams until ctx is cancelled or conn is closed,
// pushing each onto Out. A datagram that finds Out full is dropped and its
// packet released, so a slow consumer causes drops rather than unbounded
// memory growth; the read loop does not wait for the consumer.
func (r *Receiver) Run(ctx context.Context) {
	for ctx.Err() == nil {
		pk, err := r.pool.AllocateWait(ctx)
		if err != nil {
			return
		}

		r.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, from, err := r.conn.ReadFromUDPAddrPort(pk.Cap())
		if err != nil {
			pk.Release()
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		pk.SetLen(n)

		select {
		case r.Out <- Datagram{Packet: pk, From: from}:
		default:
			pk.Release()
			r.warnExhausted()
		}
	}
}

// warnExhausted logs a datagram dropped on a full consumer channel,
// rate-limited to once per 5s per spec.md §4.1. Pool exhaustion is not
// logged here: Run waits in AllocateWait instead.
func (r *Receiver) warnExhausted() {
	now := time.Now()
	if now.Sub(r.lastExhaustedWarnAt) < 5*time.Second {
		return
	}
	r.lastExhaustedWarnAt = now
	log.Printf("[udpreceiver] out of packets: consumer channel full, dropping datagram")
}
