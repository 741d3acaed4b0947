//go:build !unix

package checkpoint

// Without a portable liveness probe every lock is treated as held.
func processAlive(int) bool { return true }
