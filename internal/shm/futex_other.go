//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

// pollInterval is the sleep granularity where no futex is available.
const pollInterval = 200 * time.Microsecond

func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == val && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
}

func futexWake(*uint32) {}
