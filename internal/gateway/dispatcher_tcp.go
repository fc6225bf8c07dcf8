package gateway

import (
	"errors"
	"net"
)

// acceptLoop accepts end-user TCP connections on the binding's public
// listener and files them as pending for pairing.
//
// Goroutine lifecycle: started when the binding opens, exits when the
// listener closes (release or shutdown).
func (b *Binding) acceptLoop() {
	for {
		c, err := b.tcpLn.Accept()
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failure; the listener may still recover.
			b.logger.Warn("public accept failed", "public_port", b.PublicPort, "err", err)
			continue
		}

		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		b.logger.Debug("end-user connection accepted",
			"public_port", b.PublicPort, "client", c.RemoteAddr())
		b.pool.EnqueuePending(c)
	}
}
