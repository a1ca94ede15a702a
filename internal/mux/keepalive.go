package mux

import (
	"time"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// keepalive sends a PING on the control channel every interval while a path
// is set, and reports the path as failed once nothing has arrived for the
// keepalive timeout.
func (m *Mux) keepalive() {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			active := m.path != nil
			gen := m.pathGen
			m.mu.Unlock()
			if !active {
				continue
			}

			_ = m.enqueue(&protocol.Packet{
				Type:      protocol.TypePing,
				ChannelID: protocol.ControlChannel,
				SeqNum:    m.control.Next(),
			})

			silent := time.Since(time.Unix(0, m.lastRecv.Load()))
			if silent < m.cfg.KeepaliveTimeout {
				continue
			}

			m.mu.Lock()
			first := m.reported != gen && m.pathGen == gen
			if first {
				m.reported = gen
			}
			m.mu.Unlock()

			if first {
				util.LogWarning("[mux] no traffic for %v, path failed", silent.Round(time.Millisecond))
				if m.onPathFailure != nil {
					m.onPathFailure()
				}
			}

		case <-m.ctx.Done():
			return
		}
	}
}
