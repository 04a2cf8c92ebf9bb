//go:build linux

package relay

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// SystemBackend implements Backend with poll(2) and raw non-blocking sockets.
type SystemBackend struct {
	pollFDs []unix.PollFd
}

// NewSystemBackend returns the poll(2) backend.
func NewSystemBackend() (*SystemBackend, error) {
	return &SystemBackend{}, nil
}

// Listen opens a non-blocking TCP listening socket on host:port. An empty
// host listens on all IPv4 addresses.
func Listen(host string, port, backlog int) (int, error) {
	sa, domain, err := sockaddrFor(host, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", net.JoinHostPort(host, fmt.Sprint(port)), err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// LocalAddr returns the address a socket is bound to.
func LocalAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", fmt.Errorf("getsockname: %w", err)
	}
	return sockaddrString(sa), nil
}

func sockaddrFor(host string, port int) (unix.Sockaddr, int, error) {
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return nil, 0, fmt.Errorf("resolve %q: %w", host, err)
		}
		ip = addrs[0]
	}

	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return (&net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}).String()
	case *unix.SockaddrInet6:
		return (&net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}).String()
	default:
		return fmt.Sprintf("%v", sa)
	}
}

// Wait polls every slot. EINTR counts as an empty cycle.
func (b *SystemBackend) Wait(slots []PollSlot, timeout time.Duration) error {
	b.pollFDs = b.pollFDs[:0]
	for i, s := range slots {
		var events int16
		switch {
		case i == 0:
			events = unix.POLLIN
		case s.Interest == WriteWatch:
			events = unix.POLLOUT | unix.POLLRDHUP
		default:
			events = unix.POLLIN | unix.POLLRDHUP
		}
		b.pollFDs = append(b.pollFDs, unix.PollFd{Fd: int32(s.FD), Events: events})
	}

	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}

	if _, err := unix.Poll(b.pollFDs, ms); err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}

	for i := range slots {
		slots[i].Ready = readinessFor(b.pollFDs[i].Revents)
	}
	return nil
}

func readinessFor(revents int16) Readiness {
	var r Readiness
	if revents&unix.POLLIN != 0 {
		r |= Readable
	}
	if revents&unix.POLLOUT != 0 {
		r |= Writable
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		r |= Errored
	}
	if revents&(unix.POLLHUP|unix.POLLRDHUP) != 0 {
		r |= HungUp
	}
	return r
}

// Accept takes one pending connection and makes it non-blocking.
func (b *SystemBackend) Accept(listenFD int) (int, string, error) {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", mapErrno(err)
	}
	return fd, sockaddrString(sa), nil
}

func (b *SystemBackend) Recv(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, mapErrno(err)
		}
		return n, nil
	}
}

func (b *SystemBackend) Send(fd int, p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, mapErrno(err)
		}
		return n, nil
	}
}

func (b *SystemBackend) Close(fd int) error {
	return unix.Close(fd)
}

func (b *SystemBackend) SocketError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if code == 0 {
		return nil
	}
	return unix.Errno(code)
}

func mapErrno(err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return err
}
