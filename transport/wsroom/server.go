// Package wsroom implements the real PeerTransport adapter: one
// gorilla/websocket connection to a room-relay endpoint carries one
// hashicorp/yamux session, with one yamux stream per remote peer opened
// lazily on first send and accepted on the inbound side. RoomServer is the
// relay side: it pairs per-peer streams between sessions joined to the same
// room, generalizing the teacher lineage's fixed two-endpoint tunnel
// pairing (tunnel/server/server.go) to an N-peer room.
package wsroom

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/hashicorp/yamux"
	"github.com/steveseguin/ninjamcp/internal/wsutil"
	realtimews "github.com/steveseguin/ninjamcp/realtime/ws"
)

// RoomServer relays yamux streams between sessions joined to the same room
// by stream id. It holds no protocol knowledge of the bridge envelope; it
// only pairs byte streams.
type RoomServer struct {
	log *slog.Logger

	checkOrigin func(*http.Request) bool

	mu    sync.Mutex
	rooms map[string]map[string]*yamux.Session // room -> stream id -> session
}

// NewRoomServer returns a relay that accepts connections whose Origin header
// passes checkOrigin (nil allows all origins, matching realtime/ws.ws's
// default when no allowlist is configured).
func NewRoomServer(log *slog.Logger, checkOrigin func(*http.Request) bool) *RoomServer {
	if log == nil {
		log = slog.Default()
	}
	return &RoomServer{log: log, checkOrigin: checkOrigin, rooms: make(map[string]map[string]*yamux.Session)}
}

func (s *RoomServer) register(room, streamID string, sess *yamux.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers, ok := s.rooms[room]
	if !ok {
		peers = make(map[string]*yamux.Session)
		s.rooms[room] = peers
	}
	peers[streamID] = sess
}

func (s *RoomServer) unregister(room, streamID string, sess *yamux.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers, ok := s.rooms[room]
	if !ok {
		return
	}
	if peers[streamID] == sess {
		delete(peers, streamID)
	}
	if len(peers) == 0 {
		delete(s.rooms, room)
	}
}

func (s *RoomServer) lookup(room, streamID string) *yamux.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers, ok := s.rooms[room]
	if !ok {
		return nil
	}
	return peers[streamID]
}

// ServeHTTP upgrades the request to a websocket connection, treats it as a
// yamux server session, reads a control-stream preface to learn the room
// and stream id, and then relays every subsequently opened data stream to
// its named target's session.
func (s *RoomServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := realtimews.Upgrade(w, r, realtimews.UpgraderOptions{CheckOrigin: s.checkOrigin})
	if err != nil {
		s.log.Warn("wsroom: upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(wsutil.ReadLimit(maxPrefaceBytes, maxDataFrameBytes))
	nc := newNetConn(conn)
	sess, err := yamux.Server(nc, yamux.DefaultConfig())
	if err != nil {
		s.log.Warn("wsroom: yamux server session failed", "err", err)
		_ = nc.Close()
		return
	}

	ctrl, err := sess.Accept()
	if err != nil {
		_ = sess.Close()
		return
	}
	pre, err := readPreface(ctrl)
	_ = ctrl.Close()
	if err != nil || pre.Room == "" || pre.StreamID == "" {
		s.log.Warn("wsroom: bad control preface", "err", err)
		_ = sess.Close()
		return
	}

	s.register(pre.Room, pre.StreamID, sess)
	defer s.unregister(pre.Room, pre.StreamID, sess)

	for {
		stream, err := sess.Accept()
		if err != nil {
			return
		}
		go s.relay(pre.Room, pre.StreamID, stream)
	}
}

func (s *RoomServer) relay(room, fromStreamID string, in net.Conn) {
	defer in.Close()
	p, err := readPreface(in)
	if err != nil {
		return
	}
	target := s.lookup(room, p.TargetStreamID)
	if target == nil {
		return
	}
	out, err := target.Open()
	if err != nil {
		return
	}
	defer out.Close()
	if err := writePreface(out, preface{Room: room, StreamID: fromStreamID}); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(out, in)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(in, out)
		done <- struct{}{}
	}()
	<-done
}
