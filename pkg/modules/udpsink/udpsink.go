// Package udpsink fans a muxed TS aggregate out to a UDP destination, a
// thin wrapper over net.UDPConn.
//
// Grounded on a per-destination write-and-drop-on-error discipline,
// simplified from N fan-out destinations to the single net.Conn a upipe
// sink normally owns.
package udpsink

import (
	"net"

	"github.com/alxayo/upipe-go/pkg/uerror"
)

// Sink writes raw byte payloads to one UDP destination.
type Sink struct {
	conn *net.UDPConn
	drop int
}

// Dial opens a UDP socket to addr (host:port).
func Dial(addr string) (*Sink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, uerror.NewInvalid("udpsink.dial.resolve", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, uerror.NewExternal("udpsink.dial.connect", err)
	}
	return &Sink{conn: conn}, nil
}

// Name implements uprobe.Pipe.
func (s *Sink) Name() string { return "udpsink" }

// Write sends one datagram. A transient write error increments a drop
// counter rather than tearing down the sink, matching spec.md §7's
// sink-side "best effort, count and continue" posture for a lossy
// transport.
func (s *Sink) Write(payload []byte) error {
	if _, err := s.conn.Write(payload); err != nil {
		s.drop++
		return uerror.NewExternal("udpsink.write", err)
	}
	return nil
}

// Dropped reports the cumulative number of failed Write calls.
func (s *Sink) Dropped() int { return s.drop }

// Close closes the underlying socket.
func (s *Sink) Close() error { return s.conn.Close() }
