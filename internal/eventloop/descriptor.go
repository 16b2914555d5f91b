package eventloop

import (
	"errors"
	"net"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/metrics"
)

// Registration is a descriptor watched by the loop. Its handler only ever runs
// on the loop goroutine, and never after Deregister has returned.
type Registration struct {
	id      uint64
	conn    net.PacketConn
	handler func(pkt []byte)
	active  bool
}

func (r *Registration) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Register starts watching conn. Every datagram read from it is delivered to
// handler on the loop goroutine. Register must be called from the loop
// goroutine.
func (l *Loop) Register(conn net.PacketConn, handler func(pkt []byte)) (*Registration, error) {
	if conn == nil || handler == nil {
		return nil, ErrNilDescriptor
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	l.nextID++
	reg := &Registration{id: l.nextID, conn: conn, handler: handler, active: true}
	l.regs[reg.id] = reg
	l.stats.Registrations++
	l.metrics.Descriptors.Inc()

	l.readers.Add(1)
	go l.readLoop(reg)
	return reg, nil
}

// Deregister stops watching reg and closes its descriptor. Datagrams already
// queued for reg are discarded.
func (l *Loop) Deregister(reg *Registration) error {
	if reg == nil {
		return ErrNilDescriptor
	}
	if _, ok := l.regs[reg.id]; !ok {
		return ErrNotRegistered
	}
	delete(l.regs, reg.id)
	reg.active = false
	l.stats.Deregistrations++
	l.metrics.Descriptors.Dec()
	return reg.conn.Close()
}

func (l *Loop) readLoop(reg *Registration) {
	defer l.readers.Done()

	buf := make([]byte, l.readBuffer)
	for {
		n, _, err := reg.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// A descriptor that can no longer be read is dropped so Stats
			// and the descriptor gauge stop counting it.
			l.metrics.Inc(metrics.DescriptorReadFailed)
			l.log.Warn("descriptor read failed", "local_addr", reg.conn.LocalAddr().String(), "err", err)
			_ = l.Post(func() {
				if reg.active {
					_ = l.Deregister(reg)
				}
			})
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		if err := l.Post(func() {
			if reg.active {
				reg.handler(pkt)
			}
		}); err != nil {
			return
		}
	}
}
