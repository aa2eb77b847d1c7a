//go:build !linux

package tun

// Protect is a no-op where no tunnel routes are installed.
func Protect(fd int) bool {
	return true
}
