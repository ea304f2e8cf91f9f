package session

import (
	"context"
	"time"

	"github.com/steveseguin/ninjamcp/protocol"
)

// runHeartbeat ticks every HeartbeatInterval and posts a heartbeat closure
// back through the mailbox, so ticks never race with connect/reconnect
// transitions touching the same session state.
func (s *Session) runHeartbeat(epoch int, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.post(func() {
				if epoch != s.epoch {
					return
				}
				s.onHeartbeatTick()
			})
		case <-stop:
			return
		case <-s.stopCh:
			return
		}
	}
}

// onHeartbeatTick, while any data channel is open, pings every admitted peer
// best-effort and sends it a sync.heartbeat envelope (no separate application
// keepalive payload is sent), and every fourth tick refreshes capabilities
// with a new sync.hello. Sends are bounded by a short timeout
// so a stalled peer cannot hold up the executor goroutine.
func (s *Session) onHeartbeatTick() {
	s.heartbeatTicks++
	s.obs.HeartbeatTick(s.cfg.ID)
	if s.tr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if s.tr.HasOpenDataChannel("") {
		for uuid := range s.peers {
			_ = s.tr.SendPing(ctx, uuid)
			_ = s.sendEnvelopeLocked(ctx, uuid, protocol.KindSyncHeartbeat, map[string]any{"ticks": s.heartbeatTicks})
		}
	}

	if s.heartbeatTicks%4 == 0 && s.hs != nil {
		if hello, err := s.hs.BuildHello(); err == nil {
			for uuid := range s.peers {
				_ = s.sendEnvelopeLocked(ctx, uuid, protocol.KindSyncHello, hello)
			}
		}
	}
}
