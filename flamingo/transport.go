package flamingo

import (
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Conn wraps a single TCP socket with the blocking helpers C8's threads
// build on: SendAll, RecvExact, BytesWaiting (a non-blocking peek), and
// Drain (discard whatever is immediately readable after a protocol slip).
type Conn struct {
	nc net.Conn
}

// dialTimeout is the default §6 connect_timeout_s.
const dialTimeout = 2 * time.Second

// DialConn opens a TCP connection to addr with a bounded connect timeout,
// returning *SessionError{Kind: "ConnectFailed"} on timeout or refusal.
func DialConn(addr string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = dialTimeout
	}
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errConnectFailed(err.Error())
	}
	return &Conn{nc: nc}, nil
}

// SendAll writes every byte of p, blocking until done or an error occurs.
func (c *Conn) SendAll(p []byte) error {
	_, err := c.nc.Write(p)
	if err != nil {
		return errTransport(fmt.Sprintf("send: %v", err))
	}
	return nil
}

// RecvExact blocks until exactly n bytes have been read.
func (c *Conn) RecvExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(c.nc, buf)
	if err != nil {
		return nil, errTransport(fmt.Sprintf("recv: %v", err))
	}
	return buf, nil
}

// RecvExactDeadline is RecvExact with a deadline: if n bytes don't arrive
// by deadline, it returns a timeout error satisfying net.Error.Timeout().
// Used by the image-channel listener's 1-second per-frame header read
// (spec.md §4.5) to detect a truncated stack without busy-waiting.
func (c *Conn) RecvExactDeadline(n int, deadline time.Time) ([]byte, error) {
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, errTransport(err.Error())
	}
	defer c.nc.SetReadDeadline(time.Time{})

	buf := make([]byte, n)
	read, err := io.ReadFull(c.nc, buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return buf[:read], ne
		}
		return nil, errTransport(fmt.Sprintf("recv: %v", err))
	}
	return buf, nil
}

// BytesWaiting performs a non-blocking peek at how many bytes are
// immediately readable on the underlying socket, via the FIONREAD ioctl —
// the Go-idiomatic equivalent of a select()-then-recv(MSG_PEEK) pair.
func (c *Conn) BytesWaiting() (int, error) {
	tc, ok := c.nc.(*net.TCPConn)
	if !ok {
		return 0, nil
	}
	sc, err := tc.SyscallConn()
	if err != nil {
		return 0, errTransport(err.Error())
	}

	var n int
	var ctrlErr error
	err = sc.Control(func(fd uintptr) {
		n, ctrlErr = unix.IoctlGetInt(int(fd), unix.FIONREAD)
	})
	if err != nil {
		return 0, errTransport(err.Error())
	}
	if ctrlErr != nil {
		return 0, errTransport(ctrlErr.Error())
	}
	return n, nil
}

// Drain reads and discards whatever is immediately readable, used to
// resynchronize after a protocol slip.
func (c *Conn) Drain() error {
	for {
		n, err := c.BytesWaiting()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := c.RecvExact(n); err != nil {
			return err
		}
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.nc.Close()
}
