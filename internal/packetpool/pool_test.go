package packetpool

import (
	"context"
	"testing"
	"time"
)

func TestCapacityRoundsToPowerOfTwo(t *testing.T) {
	p := New(5)
	if p.Capacity() != 8 {
		t.Fatalf("capacity = %d, want 8", p.Capacity())
	}
}

func TestInvariantOutstandingPlusFreeEqualsCapacity(t *testing.T) {
	p := New(4)
	var held []*Packet
	for i := 0; i < 4; i++ {
		pk := p.Allocate()
		if pk == nil {
			t.Fatalf("allocate %d: unexpected nil", i)
		}
		held = append(held, pk)
	}
	if p.Allocate() != nil {
		t.Fatalf("expected nil on exhausted pool")
	}
	if p.Outstanding() != p.Capacity() {
		t.Fatalf("outstanding = %d, want %d", p.Outstanding(), p.Capacity())
	}
	for _, pk := range held {
		pk.Release()
	}
	if p.Outstanding() != 0 {
		t.Fatalf("outstanding after release = %d, want 0", p.Outstanding())
	}
}

func TestSetLenOverflowPanics(t *testing.T) {
	p := New(1)
	pk := p.Allocate()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on SetLen overflow")
		}
	}()
	pk.SetLen(MaxPacketSize + 1)
}

func TestAllocateWaitUnblocksOnRelease(t *testing.T) {
	p := New(4)
	var held []*Packet
	for i := 0; i < 4; i++ {
		held = append(held, p.Allocate())
	}

	done := make(chan *Packet, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pk, err := p.AllocateWait(ctx)
		if err != nil {
			t.Errorf("AllocateWait: %v", err)
			return
		}
		done <- pk
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter register
	held[0].Release()

	select {
	case pk := <-done:
		if pk == nil {
			t.Fatalf("expected non-nil packet")
		}
	case <-time.After(time.Second):
		t.Fatalf("AllocateWait did not complete after release")
	}
}

func TestAllocateWaitContextCancel(t *testing.T) {
	p := New(1)
	p.Allocate() // exhaust

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.AllocateWait(ctx); err == nil {
		t.Fatalf("expected context deadline error")
	}
}

func TestNoDoubleAcquire(t *testing.T) {
	p := New(2)
	a := p.Allocate()
	b := p.Allocate()
	if a == b {
		t.Fatalf("expected distinct packets")
	}
	a.Release()
	c := p.Allocate()
	if c != a {
		t.Fatalf("expected freed packet to be reused")
	}
	_ = b
}
