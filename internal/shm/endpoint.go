package shm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

// Values of the state word.
const (
	stateEmpty         uint32 = 0
	stateToWorker      uint32 = 1
	stateToCoordinator uint32 = 2
	stateClosed        uint32 = 3
)

// waitSlice bounds each futex sleep so context cancellation is noticed.
const waitSlice = 100 * time.Millisecond

// Role selects which side of the handoff an Endpoint plays.
type Role uint8

const (
	// RoleWorker consumes action batches and publishes step results.
	RoleWorker Role = iota + 1
	// RoleCoordinator publishes action batches and consumes step results.
	RoleCoordinator
)

func (r Role) String() string {
	switch r {
	case RoleWorker:
		return "worker"
	case RoleCoordinator:
		return "coordinator"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Endpoint is one side of the single-producer/single-consumer handoff.
// Callers must strictly alternate with their peer: an Endpoint never
// publishes twice without consuming in between.
type Endpoint struct {
	region   *Region
	role     Role
	inbound  uint32
	outbound uint32
}

// Endpoint binds the region to a role.
func (r *Region) Endpoint(role Role) *Endpoint {
	e := &Endpoint{region: r, role: role}
	if role == RoleWorker {
		e.inbound, e.outbound = stateToWorker, stateToCoordinator
	} else {
		e.inbound, e.outbound = stateToCoordinator, stateToWorker
	}
	return e
}

// Role returns the endpoint's role.
func (e *Endpoint) Role() Role {
	return e.role
}

// Publish writes p as one frame and signals the peer.
//
// A payload that does not fit is rejected with ErrCapacityExceeded before the
// region is touched. Otherwise Publish waits once for the previous frame to be
// drained, writes [u64 length][payload] and flips the state word.
func (e *Endpoint) Publish(ctx context.Context, p []byte) error {
	r := e.region
	if len(p)+FrameOverhead > r.capacity {
		return fmt.Errorf("%w: %d byte payload + %d byte frame header > %d byte capacity",
			ErrCapacityExceeded, len(p), FrameOverhead, r.capacity)
	}

	if _, err := e.waitFor(ctx, func(s uint32) bool { return s == stateEmpty }); err != nil {
		return fmt.Errorf("shm publish: %w", err)
	}

	data := r.data()
	binary.LittleEndian.PutUint64(data, uint64(len(p)))
	copy(data[FrameOverhead:], p)

	atomic.AddUint32(r.word(offFrames), 1)
	atomic.StoreUint32(r.word(offState), e.outbound)
	futexWake(r.word(offState))
	return nil
}

// Consume blocks until the peer publishes a frame for this endpoint, then
// returns a copy of its payload and releases the region for reuse.
// There is no timeout; cancel ctx to abandon the wait.
func (e *Endpoint) Consume(ctx context.Context) ([]byte, error) {
	r := e.region
	if _, err := e.waitFor(ctx, func(s uint32) bool { return s == e.inbound }); err != nil {
		return nil, fmt.Errorf("shm consume: %w", err)
	}

	data := r.data()
	n := binary.LittleEndian.Uint64(data)
	if n > uint64(r.capacity-FrameOverhead) {
		return nil, fmt.Errorf("%w: %d bytes in a %d byte region", ErrCorruptFrame, n, r.capacity)
	}
	payload := make([]byte, n)
	copy(payload, data[FrameOverhead:FrameOverhead+int(n)])

	atomic.StoreUint32(r.word(offState), stateEmpty)
	futexWake(r.word(offState))
	return payload, nil
}

// waitFor sleeps on the state word until ready reports true, the region is
// closed, or ctx is done.
func (e *Endpoint) waitFor(ctx context.Context, ready func(uint32) bool) (uint32, error) {
	r := e.region
	if r.mem == nil {
		return 0, ErrClosed
	}
	addr := r.word(offState)
	for {
		s := atomic.LoadUint32(addr)
		if ready(s) {
			return s, nil
		}
		if s == stateClosed {
			return s, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return s, err
		}
		futexWait(addr, s, waitSlice)
	}
}
