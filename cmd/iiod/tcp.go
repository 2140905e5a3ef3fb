package main

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/iiodproj/iiod/internal/constants"
	"github.com/iiodproj/iiod/internal/iio"
	"github.com/iiodproj/iiod/internal/iotransport"
)

// listenTCP starts the TCP carrier: accept connections, apply the
// keep-alive and no-delay socket settings, and hand each connection to
// the daemon as a session.
func listenTCP(d *daemon, iioCtx *iio.Context, port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-d.closing:
				default:
					d.logger.Warnf("tcp accept: %v", err)
				}
				return
			}
			tcp := conn.(*net.TCPConn)
			tr, err := newTCPTransport(tcp)
			if err != nil {
				d.logger.Warnf("tcp setup: %v", err)
				_ = conn.Close()
				continue
			}
			d.serve(tr, iioCtx)
		}
	}()
	return ln, nil
}

// newTCPTransport configures keep-alive probing (10 s interval, six
// probes) and TCP_NODELAY on conn before wrapping it.
func newTCPTransport(conn *net.TCPConn) (*iotransport.Transport, error) {
	tr, err := iotransport.NewTCPTransport(conn, constants.TCPKeepAliveInterval)
	if err != nil {
		return nil, err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, constants.TCPKeepAliveProbes)
		if serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL,
			int(constants.TCPKeepAliveInterval/time.Second))
	})
	if err != nil {
		return nil, err
	}
	if serr != nil {
		return nil, serr
	}
	return tr, nil
}
