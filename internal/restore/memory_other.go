//go:build !linux && !darwin

package restore

func totalSystemMemory() (uint64, error) {
	return 0, errMemoryUnknown
}
