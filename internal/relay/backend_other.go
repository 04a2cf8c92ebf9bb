//go:build !linux

package relay

import "time"

// SystemBackend is unavailable outside Linux.
type SystemBackend struct{}

// NewSystemBackend reports ErrUnsupportedPlatform.
func NewSystemBackend() (*SystemBackend, error) {
	return nil, ErrUnsupportedPlatform
}

// Listen reports ErrUnsupportedPlatform.
func Listen(string, int, int) (int, error) {
	return -1, ErrUnsupportedPlatform
}

// LocalAddr reports ErrUnsupportedPlatform.
func LocalAddr(int) (string, error) {
	return "", ErrUnsupportedPlatform
}

func (*SystemBackend) Wait([]PollSlot, time.Duration) error { return ErrUnsupportedPlatform }
func (*SystemBackend) Accept(int) (int, string, error) { return -1, "", ErrUnsupportedPlatform }
func (*SystemBackend) Recv(int, []byte) (int, error) { return 0, ErrUnsupportedPlatform }
func (*SystemBackend) Send(int, []byte) (int, error) { return 0, ErrUnsupportedPlatform }
func (*SystemBackend) Close(int) error { return ErrUnsupportedPlatform }
func (*SystemBackend) SocketError(int) error { return ErrUnsupportedPlatform }
