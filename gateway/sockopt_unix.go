//go:build unix

package gateway

import (
	"net"

	"golang.org/x/sys/unix"
)

// setReadBuffer sets the receive buffer of conn and returns the size
// actually granted by the kernel.
func setReadBuffer(conn *net.UDPConn, size int) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var granted int
	var serr error
	err = rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd),
			unix.SOL_SOCKET, unix.SO_RCVBUF, size)
		if serr != nil {
			return
		}
		granted, serr = unix.GetsockoptInt(int(fd),
			unix.SOL_SOCKET, unix.SO_RCVBUF)
	})
	if err != nil {
		return 0, err
	}
	return granted, serr
}
