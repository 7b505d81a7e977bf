//go:build !linux

package machine

import "os"

// gettid falls back to the process id where thread ids are not exposed.
func gettid() int {
	return os.Getpid()
}
