// Package wire implements ShadowBox's Share Server/Client framed protocol:
// a flat, length-prefixed binary envelope carried over a single TCP
// connection. There is no RPC layer and no protobuf schema — just eight
// fixed frame types, kept deliberately small because the protocol only
// ever needs to say hello, authenticate, list files, and stream chunks.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/shadowbox/shadowbox/pkg/shadowerr"
)

// Type identifies a frame's payload shape.
type Type byte

const (
	TypeHello     Type = 0x01
	TypeHelloAck  Type = 0x02
	TypeAuth      Type = 0x03
	TypeListReq   Type = 0x04
	TypeListResp  Type = 0x05
	TypeGetReq    Type = 0x06
	TypeGetChunk  Type = 0x07
	TypeError     Type = 0x7F
)

// MaxFrameSize bounds a single frame's payload, so a malformed or hostile
// length prefix can never trigger an unbounded allocation.
const MaxFrameSize = 16 * 1024 * 1024

// ChunkSize is the plaintext size of one GET_CHUNK payload.
const ChunkSize = 1 * 1024 * 1024

// headerSize is a 4-byte big-endian length field plus 1 byte of type. The
// length field counts the type byte as well as the payload, so it always
// holds the payload length plus one.
const headerSize = 5

// WriteFrame writes one frame (length-prefixed type + payload) to w.
func WriteFrame(w io.Writer, t Type, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return shadowerr.Newf(shadowerr.ProtocolError, "frame payload %d exceeds max %d", len(payload), MaxFrameSize)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload))+1)
	header[4] = byte(t)

	if _, err := w.Write(header); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "write frame header", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return shadowerr.Wrap(shadowerr.IOError, "write frame payload", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r, returning its type and payload.
func ReadFrame(r io.Reader) (Type, []byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, nil, err
		}
		return 0, nil, shadowerr.Wrap(shadowerr.IOError, "read frame header", err)
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 {
		return 0, nil, shadowerr.New(shadowerr.ProtocolError, "frame length must include the type byte")
	}
	if length-1 > MaxFrameSize {
		return 0, nil, shadowerr.Newf(shadowerr.ProtocolError, "frame length %d exceeds max %d", length-1, MaxFrameSize)
	}
	t := Type(header[4])

	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, shadowerr.Wrap(shadowerr.IOError, "read frame payload", err)
		}
	}
	return t, payload, nil
}

// ErrorPayload is the JSON body of a TypeError frame, carrying an error
// Kind so the remote end can branch on failure class.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HelloPayload is the JSON body of a TypeHello frame.
type HelloPayload struct {
	Code           string `json:"code"`
	ClientVersion  string `json:"client_version"`
	ClientNonceHex string `json:"client_nonce"`
}

// HelloAckPayload is the JSON body of a TypeHelloAck frame.
type HelloAckPayload struct {
	ServerVersion  string `json:"server_version"`
	RequiresAuth   bool   `json:"requires_auth"`
	ServerNonceHex string `json:"server_nonce"`
}

// AuthPayload is the JSON body of a TypeAuth frame: an HMAC over the
// concatenated client/server nonces, keyed by a key derived from the
// rendezvous code.
type AuthPayload struct {
	HMACHex string `json:"hmac"`
}

// ListReqPayload is the JSON body of a TypeListReq frame. An empty
// Selection means "list everything".
type ListReqPayload struct {
	Selection []string `json:"selection,omitempty"`
}

// ListRespPayload is the JSON body of a TypeListResp frame.
type ListRespPayload struct {
	Files []FileEntry `json:"files"`
}

// FileEntry describes one file in a LIST_RESP manifest.
type FileEntry struct {
	FileID      string   `json:"file_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	VersionID   string   `json:"version_id"`
	Size        int64    `json:"size"`
	Mime        string   `json:"mime"`
	SHA256      string   `json:"sha256"`
}

// GetReqPayload is the JSON body of a TypeGetReq frame.
type GetReqPayload struct {
	FileID string `json:"file_id"`
}

// GetChunkPayload is the binary body of a TypeGetChunk frame: a 1-byte
// "final" flag, 2-byte lengths of the file and version IDs, an 8-byte
// big-endian plaintext offset, then the two IDs and the raw plaintext
// chunk bytes. It is not JSON, to avoid base64-inflating bulk file data;
// the IDs and offset let a receiver check each chunk against the file it
// requested and the position it expects next.
type GetChunkPayload struct {
	Final     bool
	FileID    string
	VersionID string
	Offset    int64
	Data      []byte
}

// getChunkHeaderSize is 1 (final) + 2 (file_id length) + 2 (version_id
// length) + 8 (offset) bytes, before the variable-length IDs and data.
const getChunkHeaderSize = 1 + 2 + 2 + 8

// Encode serializes a GetChunkPayload to its wire form.
func (c GetChunkPayload) Encode() []byte {
	out := make([]byte, getChunkHeaderSize+len(c.FileID)+len(c.VersionID)+len(c.Data))
	if c.Final {
		out[0] = 1
	}
	binary.BigEndian.PutUint16(out[1:3], uint16(len(c.FileID)))
	binary.BigEndian.PutUint16(out[3:5], uint16(len(c.VersionID)))
	binary.BigEndian.PutUint64(out[5:13], uint64(c.Offset))

	pos := getChunkHeaderSize
	pos += copy(out[pos:], c.FileID)
	pos += copy(out[pos:], c.VersionID)
	copy(out[pos:], c.Data)
	return out
}

// DecodeGetChunk parses a GetChunkPayload from its wire form.
func DecodeGetChunk(b []byte) (GetChunkPayload, error) {
	if len(b) < getChunkHeaderSize {
		return GetChunkPayload{}, shadowerr.New(shadowerr.ProtocolError, "get_chunk payload too short")
	}
	fileIDLen := int(binary.BigEndian.Uint16(b[1:3]))
	versionIDLen := int(binary.BigEndian.Uint16(b[3:5]))
	offset := int64(binary.BigEndian.Uint64(b[5:13]))

	pos := getChunkHeaderSize
	if len(b) < pos+fileIDLen+versionIDLen {
		return GetChunkPayload{}, shadowerr.New(shadowerr.ProtocolError, "get_chunk payload truncated")
	}
	fileID := string(b[pos : pos+fileIDLen])
	pos += fileIDLen
	versionID := string(b[pos : pos+versionIDLen])
	pos += versionIDLen

	return GetChunkPayload{
		Final:     b[0] == 1,
		FileID:    fileID,
		VersionID: versionID,
		Offset:    offset,
		Data:      b[pos:],
	}, nil
}
