package lock

import (
	"runtime"
	"sync/atomic"
)

// SpinLock guards the few words shared between the soft PWM tick and the
// temperature manager. Critical sections are a handful of byte copies, so
// spinning beats parking the goroutine.
type SpinLock uint32

const maxBackOff = 32

func (sl *SpinLock) Lock() {
	backoff := 1
	for !atomic.CompareAndSwapUint32((*uint32)(sl), 0, 1) {
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < maxBackOff {
			backoff <<= 1
		}
	}
}

func (sl *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32((*uint32)(sl), 0, 1)
}

func (sl *SpinLock) UnLock() {
	atomic.CompareAndSwapUint32((*uint32)(sl), 1, 0)
}
