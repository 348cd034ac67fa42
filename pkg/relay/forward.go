package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// DialFunc opens the outbound connection for one request.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dialer returns a DialFunc bounded by timeout.
func Dialer(timeout time.Duration) DialFunc {
	d := &net.Dialer{Timeout: timeout}
	return d.DialContext
}

// Result describes what Forward moved.
type Result struct {
	RequestBytes  int64
	ResponseBytes int64
}

// Flushed reports whether any response byte reached the client. Once it has,
// the client can no longer be sent an error status.
func (r Result) Flushed() bool { return r.ResponseBytes > 0 }

// Forward opens a fresh connection to upstream, writes the request exactly as
// it was received and streams the response back to client without holding it
// in memory. Bytes the client sends after the request are passed through until
// either side closes.
//
// The caller owns client and must close it after Forward returns.
func Forward(ctx context.Context, req *InboundRequest, client net.Conn, upstream string, dial DialFunc) (Result, error) {
	var res Result
	if dial == nil {
		dial = Dialer(2 * time.Second)
	}
	up, err := dial(ctx, "tcp4", upstream)
	if err != nil {
		return res, fmt.Errorf("%w: dial %s: %v", ErrUpstreamUnavailable, upstream, err)
	}
	defer up.Close()
	stop := context.AfterFunc(ctx, func() { _ = up.SetDeadline(time.Unix(1, 0)) })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = up.SetDeadline(deadline)
	}

	bufs := net.Buffers{req.head, req.Body, req.pending}
	n, err := bufs.WriteTo(up)
	res.RequestBytes = n
	if err != nil {
		return res, fmt.Errorf("%w: write request: %v", ErrUpstreamUnavailable, err)
	}

	go func() {
		_, _ = io.Copy(up, client)
		if cw, ok := up.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()

	res.ResponseBytes, err = io.Copy(client, up)
	if err != nil {
		if !res.Flushed() {
			return res, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
		}
		return res, fmt.Errorf("stream response: %w", err)
	}
	return res, nil
}
