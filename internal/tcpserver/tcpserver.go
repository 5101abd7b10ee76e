//go:build linux

// Package tcpserver provides a minimal epoll-backed TCP listener built as
// a user of the lifecycle and event-dispatch core, matching spec.md's
// framing of TcpServer as an external collaborator rather than part of
// the core itself (spec.md §1).
package tcpserver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/erdizz/libmary/internal/object"
	"github.com/erdizz/libmary/internal/pollgroup"
)

// AcceptHandler is invoked once per accepted connection, with its raw,
// already non-blocking file descriptor and the peer address.
type AcceptHandler func(fd int, remote net.Addr)

// TcpServer listens on one address and dispatches accepted connections to
// an AcceptHandler via a PollGroup the caller already owns.
type TcpServer struct {
	listenFd int
	group    *pollgroup.PollGroup
	owner    *object.Object
	key      pollgroup.Key
	onAccept AcceptHandler
	fb       pollgroup.Feedback
	addr     net.Addr
}

// Addr returns the listener's actual bound address, useful when Listen
// was called with a ":0" port.
func (s *TcpServer) Addr() net.Addr { return s.addr }

// Listen creates a non-blocking TCP listener bound to addr (host:port) and
// registers it with group. Accepted connections are handed to onAccept as
// they arrive; the caller is responsible for registering each connection's
// own pollable (typically a streams.ConnectionReceiver) with a poll group.
func Listen(addr string, group *pollgroup.PollGroup, onAccept AcceptHandler) (*TcpServer, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpserver: resolve %q: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tcpserver: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcpserver: SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcpserver: bind: %w", err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcpserver: listen: %w", err)
	}

	boundAddr := tcpAddr
	if name, err := unix.Getsockname(fd); err == nil {
		if in4, ok := name.(*unix.SockaddrInet4); ok {
			boundAddr = &net.TCPAddr{IP: net.IP(in4.Addr[:]), Port: in4.Port}
		}
	}

	owner := object.New(func() { unix.Close(fd) })

	s := &TcpServer{
		listenFd: fd,
		group:    group,
		owner:    owner,
		onAccept: onAccept,
		addr:     boundAddr,
	}

	key, err := group.AddPollable(s, owner)
	if err != nil {
		owner.Unref()
		return nil, fmt.Errorf("tcpserver: registering listener: %w", err)
	}
	s.key = key

	return s, nil
}

// Fd implements pollgroup.Pollable.
func (s *TcpServer) Fd() int { return s.listenFd }

// SetFeedback implements pollgroup.Pollable.
func (s *TcpServer) SetFeedback(fb pollgroup.Feedback) { s.fb = fb }

// Dispatch implements pollgroup.Pollable: drains every connection waiting
// in the accept queue, since the listener is registered edge-triggered.
func (s *TcpServer) Dispatch(flags pollgroup.EventFlags) {
	if !flags.Has(pollgroup.Input) {
		return
	}
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			return
		}
		s.onAccept(fd, sockaddrToAddr(sa))
	}
}

// Close stops accepting new connections and releases the listening
// socket. Already-accepted connections are unaffected.
func (s *TcpServer) Close() {
	s.group.RemovePollable(s.key)
	s.owner.Unref()
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}
