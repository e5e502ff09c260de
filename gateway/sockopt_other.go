//go:build !unix

package gateway

import (
	"net"
)

func setReadBuffer(conn *net.UDPConn, size int) (int, error) {
	return size, conn.SetReadBuffer(size)
}
