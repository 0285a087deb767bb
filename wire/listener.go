package wire

import (
	"context"
	"errors"
	"net"
)

// Listener accepts inbound TCP connections and hands each one to the
// broker as a *Conn. The session handshake (auth event) happens above
// this layer.
type Listener struct {
	nl net.Listener
}

// Listen opens a TCP listener on address, e.g. ":3000" or ":0" for a
// random port.
func Listen(address string) (*Listener, error) {
	nl, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &Listener{nl: nl}, nil
}

// Address returns the bound address in "host:port" format.
func (l *Listener) Address() string { return l.nl.Addr().String() }

// Serve accepts connections and dispatches each to handler in its own
// goroutine. It blocks until ctx is cancelled or Close is called, and
// then returns nil.
func (l *Listener) Serve(ctx context.Context, handler func(ctx context.Context, conn *Conn)) error {
	go func() {
		<-ctx.Done()
		l.nl.Close()
	}()

	for {
		nc, err := l.nl.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go handler(ctx, NewConn(nc))
	}
}

// Close shuts the listener down. Connections already accepted keep
// running.
func (l *Listener) Close() error { return l.nl.Close() }
