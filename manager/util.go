package manager

import "runtime"

func readMemAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

func numGoroutine() int {
	return runtime.NumGoroutine()
}
