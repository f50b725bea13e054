//go:build !unix

package store

import "os"

// Advisory locking is unavailable here, so every bucket is treated as
// exclusively owned. Sharing one cache root across processes is not
// supported on these platforms; within a process the store's own open
// set still protects live buckets from eviction.
func tryLockFile(f *os.File) (bool, error) {
	return true, nil
}

func unlockFile(f *os.File) error {
	return nil
}

func isQuotaError(err error) bool {
	return false
}
