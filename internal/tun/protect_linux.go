//go:build linux

package tun

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Protect marks fd so its traffic is routed by the main table instead of the
// tunnel.
func Protect(fd int) bool {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, ProtectMark); err != nil {
		log.Debug().Err(err).Int("fd", fd).Msg("failed to mark socket")
		return false
	}
	return true
}
