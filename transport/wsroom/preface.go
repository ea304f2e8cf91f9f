package wsroom

import (
	"encoding/json"
	"net"

	"github.com/steveseguin/ninjamcp/framing/jsonframe"
)

// maxPrefaceBytes bounds the one-line preface every yamux stream opens
// with, adapted from the teacher lineage's streamhello greeting but
// carrying a room/stream-id/target triple instead of a fixed endpoint role.
const maxPrefaceBytes = 4096

// preface identifies the stream's room and sender on the control stream, or
// additionally its intended recipient on a per-peer data stream.
type preface struct {
	Room           string `json:"room"`
	StreamID       string `json:"stream_id"`
	TargetStreamID string `json:"target_stream_id,omitempty"`
}

func writePreface(conn net.Conn, p preface) error {
	return jsonframe.WriteJSONFrame(conn, p)
}

func readPreface(conn net.Conn) (preface, error) {
	b, err := jsonframe.ReadJSONFrame(conn, maxPrefaceBytes)
	if err != nil {
		return preface{}, err
	}
	var p preface
	if err := json.Unmarshal(b, &p); err != nil {
		return preface{}, err
	}
	return p, nil
}
