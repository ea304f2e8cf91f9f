package wsroom

import (
	"net"

	"github.com/steveseguin/ninjamcp/framing/jsonframe"
)

// maxDataFrameBytes bounds a single envelope frame on a per-peer stream.
const maxDataFrameBytes = 8 << 20

func writeFrame(conn net.Conn, b []byte) error {
	return jsonframe.WriteJSONFrame(conn, rawJSON(b))
}

func readFrame(conn net.Conn) ([]byte, error) {
	return jsonframe.ReadJSONFrame(conn, maxDataFrameBytes)
}

// rawJSON lets writeFrame hand already-marshaled bytes to WriteJSONFrame
// (which otherwise re-marshals its argument) without double-encoding.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }
