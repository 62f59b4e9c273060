package ipasim

import (
	"sync/atomic"
	"time"
)

var (
	loadCount         uint64
	dispatchCount     uint64
	wrapperDispatches uint64
	dynamicDispatches uint64
	nativeCallCount   uint64
	callbackCount     uint64
	trampolineCount   uint64
	restartCount      uint64

	totalExecuteTime uint64

	loadErrors     uint64
	dispatchErrors uint64
	engineErrors   uint64
)

// Metrics reports cumulative counters for the operations this core
// performs.
type Metrics struct {
	Loads             uint64 `json:"loads"`
	Dispatches        uint64 `json:"dispatches"`
	WrapperDispatches uint64 `json:"wrapper_dispatches"`
	DynamicDispatches uint64 `json:"dynamic_dispatches"`
	NativeCalls       uint64 `json:"native_calls"`
	Callbacks         uint64 `json:"callbacks"`
	Trampolines       uint64 `json:"trampolines"`
	Restarts          uint64 `json:"restarts"`
	AvgExecuteTimeNs  uint64 `json:"avg_execute_time_ns"`
	LoadErrors        uint64 `json:"load_errors"`
	DispatchErrors    uint64 `json:"dispatch_errors"`
	EngineErrors      uint64 `json:"engine_errors"`
}

// GetMetrics returns a snapshot of the current counters.
func GetMetrics() Metrics {
	restarts := atomic.LoadUint64(&restartCount)
	var avg uint64
	if restarts > 0 {
		avg = atomic.LoadUint64(&totalExecuteTime) / restarts
	}
	return Metrics{
		Loads:             atomic.LoadUint64(&loadCount),
		Dispatches:        atomic.LoadUint64(&dispatchCount),
		WrapperDispatches: atomic.LoadUint64(&wrapperDispatches),
		DynamicDispatches: atomic.LoadUint64(&dynamicDispatches),
		NativeCalls:       atomic.LoadUint64(&nativeCallCount),
		Callbacks:         atomic.LoadUint64(&callbackCount),
		Trampolines:       atomic.LoadUint64(&trampolineCount),
		Restarts:          restarts,
		AvgExecuteTimeNs:  avg,
		LoadErrors:        atomic.LoadUint64(&loadErrors),
		DispatchErrors:    atomic.LoadUint64(&dispatchErrors),
		EngineErrors:      atomic.LoadUint64(&engineErrors),
	}
}

// ResetMetrics clears all counters. Intended for test isolation.
func ResetMetrics() {
	atomic.StoreUint64(&loadCount, 0)
	atomic.StoreUint64(&dispatchCount, 0)
	atomic.StoreUint64(&wrapperDispatches, 0)
	atomic.StoreUint64(&dynamicDispatches, 0)
	atomic.StoreUint64(&nativeCallCount, 0)
	atomic.StoreUint64(&callbackCount, 0)
	atomic.StoreUint64(&trampolineCount, 0)
	atomic.StoreUint64(&restartCount, 0)
	atomic.StoreUint64(&totalExecuteTime, 0)
	atomic.StoreUint64(&loadErrors, 0)
	atomic.StoreUint64(&dispatchErrors, 0)
	atomic.StoreUint64(&engineErrors, 0)
}

func recordLoad()             { atomic.AddUint64(&loadCount, 1) }
func recordDispatch()         { atomic.AddUint64(&dispatchCount, 1) }
func recordWrapperDispatch()  { atomic.AddUint64(&wrapperDispatches, 1) }
func recordDynamicDispatch()  { atomic.AddUint64(&dynamicDispatches, 1) }
func recordNativeCall()       { atomic.AddUint64(&nativeCallCount, 1) }
func recordCallback()         { atomic.AddUint64(&callbackCount, 1) }
func recordTrampoline()       { atomic.AddUint64(&trampolineCount, 1) }
func recordLoadError()        { atomic.AddUint64(&loadErrors, 1) }
func recordDispatchError()    { atomic.AddUint64(&dispatchErrors, 1) }
func recordEngineError()      { atomic.AddUint64(&engineErrors, 1) }
func recordRestart(d time.Duration) {
	atomic.AddUint64(&restartCount, 1)
	atomic.AddUint64(&totalExecuteTime, uint64(d.Nanoseconds()))
}
