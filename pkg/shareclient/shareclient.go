// Package shareclient is ShadowBox's Share Client (component H): it
// resolves a rendezvous code via pkg/discovery, dials the peer's Share
// Server, runs the HELLO/AUTH handshake, lists the remote manifest, and
// pulls selected files chunk by chunk, verifying each one's SHA-256
// against the manifest before handing it to the local Box Engine for
// fresh local encryption.
package shareclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"time"

	"github.com/shadowbox/shadowbox/pkg/box"
	"github.com/shadowbox/shadowbox/pkg/cryptoutil"
	"github.com/shadowbox/shadowbox/pkg/discovery"
	"github.com/shadowbox/shadowbox/pkg/log"
	"github.com/shadowbox/shadowbox/pkg/metrics"
	"github.com/shadowbox/shadowbox/pkg/shadowerr"
	"github.com/shadowbox/shadowbox/pkg/wire"
)

const protocolVersion = "shadowbox-wire-v1"
const dialTimeout = 10 * time.Second

// Resolver is the subset of discovery.Browser's behavior the client needs,
// kept as an interface so tests can fake it without standing up real
// multicast sockets.
type Resolver interface {
	Resolve(ctx context.Context, code string, timeout time.Duration) (string, error)
}

// PulledFile describes one file retrieved by Pull.
type PulledFile struct {
	FileID      string
	Name        string
	Description string
	Tags        []string
	Mime        string
	Plaintext   []byte
}

// Pull resolves code, connects to the remote Share Server, authenticates
// (skipped for public boxes, since the rendezvous code itself is the only
// secret an AUTH-gated private box relies on), and retrieves every file
// named in selection (or everything, if selection is empty). resolveTimeout
// bounds the rendezvous lookup; <= 0 uses discovery.DefaultResolveTimeout.
func Pull(ctx context.Context, resolver Resolver, code string, selection []string, resolveTimeout time.Duration) ([]PulledFile, error) {
	timer := metrics.NewTimer()
	metrics.ActivePulls.Inc()
	defer metrics.ActivePulls.Dec()
	defer timer.ObserveDuration(metrics.PullDuration)

	if resolveTimeout <= 0 {
		resolveTimeout = discovery.DefaultResolveTimeout
	}
	addr, err := resolver.Resolve(ctx, code, resolveTimeout)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "dial share server", err)
	}
	defer conn.Close()

	wireKey, authMAC, requiresAuth, err := handshake(conn, code)
	if err != nil {
		return nil, err
	}
	if requiresAuth {
		if err := authenticate(conn, authMAC); err != nil {
			return nil, err
		}
	}

	manifest, err := listFiles(conn, selection)
	if err != nil {
		return nil, err
	}

	var out []PulledFile
	for _, entry := range manifest.Files {
		if err := ctx.Err(); err != nil {
			return nil, shadowerr.Wrap(shadowerr.Cancelled, "pull files", err)
		}
		plaintext, err := getFile(conn, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, PulledFile{
			FileID: entry.FileID, Name: entry.Name, Description: entry.Description,
			Tags: entry.Tags, Mime: entry.Mime, Plaintext: plaintext,
		})
		metrics.BytesPulled.Add(float64(len(plaintext)))
	}

	_ = wireKey // only the AUTH MAC uses the wire key; it is dropped after the handshake
	log.Logger.Info().Str("code", code).Int("files", len(out)).Msg("share client: pull complete")
	return out, nil
}

func handshake(conn net.Conn, code string) (wireKey, authMAC []byte, requiresAuth bool, err error) {
	clientNonce, err := cryptoutil.NewNonce()
	if err != nil {
		return nil, nil, false, err
	}

	hello := wire.HelloPayload{
		Code:           code,
		ClientVersion:  protocolVersion,
		ClientNonceHex: hex.EncodeToString(clientNonce),
	}
	helloBytes, _ := json.Marshal(hello)
	if err := wire.WriteFrame(conn, wire.TypeHello, helloBytes); err != nil {
		return nil, nil, false, err
	}

	t, payload, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, nil, false, err
	}
	if t == wire.TypeError {
		return nil, nil, false, parseWireError(payload)
	}
	if t != wire.TypeHelloAck {
		return nil, nil, false, shadowerr.Newf(shadowerr.ProtocolError, "expected HELLO_ACK, got frame type %d", t)
	}
	var ack wire.HelloAckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		return nil, nil, false, shadowerr.Wrap(shadowerr.ProtocolError, "parse hello_ack", err)
	}

	serverNonce, err := hex.DecodeString(ack.ServerNonceHex)
	if err != nil {
		return nil, nil, false, shadowerr.Wrap(shadowerr.ProtocolError, "decode server nonce", err)
	}

	wireKey, err = cryptoutil.HKDFWithSalt([]byte(code), append(append([]byte{}, clientNonce...), serverNonce...), cryptoutil.InfoWireV1)
	if err != nil {
		return nil, nil, false, err
	}

	mac := hmac.New(sha256.New, wireKey)
	mac.Write(clientNonce)
	mac.Write(serverNonce)
	authMAC = mac.Sum(nil)

	return wireKey, authMAC, ack.RequiresAuth, nil
}

func authenticate(conn net.Conn, authMAC []byte) error {
	auth := wire.AuthPayload{HMACHex: hex.EncodeToString(authMAC)}
	authBytes, _ := json.Marshal(auth)
	return wire.WriteFrame(conn, wire.TypeAuth, authBytes)
}

func listFiles(conn net.Conn, selection []string) (*wire.ListRespPayload, error) {
	req := wire.ListReqPayload{Selection: selection}
	reqBytes, _ := json.Marshal(req)
	if err := wire.WriteFrame(conn, wire.TypeListReq, reqBytes); err != nil {
		return nil, err
	}

	t, payload, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if t == wire.TypeError {
		return nil, parseWireError(payload)
	}
	if t != wire.TypeListResp {
		return nil, shadowerr.Newf(shadowerr.ProtocolError, "expected LIST_RESP, got frame type %d", t)
	}

	var resp wire.ListRespPayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, shadowerr.Wrap(shadowerr.ProtocolError, "parse list_resp", err)
	}
	return &resp, nil
}

func getFile(conn net.Conn, entry wire.FileEntry) ([]byte, error) {
	req := wire.GetReqPayload{FileID: entry.FileID}
	reqBytes, _ := json.Marshal(req)
	if err := wire.WriteFrame(conn, wire.TypeGetReq, reqBytes); err != nil {
		return nil, err
	}

	var buf []byte
	for {
		t, payload, err := wire.ReadFrame(conn)
		if err != nil {
			return nil, err
		}
		if t == wire.TypeError {
			return nil, parseWireError(payload)
		}
		if t != wire.TypeGetChunk {
			return nil, shadowerr.Newf(shadowerr.ProtocolError, "expected GET_CHUNK, got frame type %d", t)
		}
		chunk, err := wire.DecodeGetChunk(payload)
		if err != nil {
			return nil, err
		}
		if chunk.FileID != "" && chunk.FileID != entry.FileID {
			return nil, shadowerr.Newf(shadowerr.ProtocolError, "get_chunk file_id %s does not match requested %s", chunk.FileID, entry.FileID)
		}
		if chunk.Offset != int64(len(buf)) {
			return nil, shadowerr.Newf(shadowerr.ProtocolError, "get_chunk offset %d does not match expected %d", chunk.Offset, len(buf))
		}
		buf = append(buf, chunk.Data...)
		if chunk.Final {
			break
		}
	}

	got := cryptoutil.SHA256Hex(buf)
	if got != entry.SHA256 {
		return nil, shadowerr.Newf(shadowerr.IntegrityFailure, "file %s: sha256 mismatch, expected %s got %s", entry.FileID, entry.SHA256, got)
	}
	return buf, nil
}

func parseWireError(payload []byte) error {
	var e wire.ErrorPayload
	if err := json.Unmarshal(payload, &e); err != nil {
		return shadowerr.New(shadowerr.ProtocolError, "peer sent an unparseable error frame")
	}
	kind := shadowerr.IOError
	for k := shadowerr.NotFound; k <= shadowerr.QuotaExceeded; k++ {
		if k.String() == e.Kind {
			kind = k
			break
		}
	}
	return shadowerr.New(kind, e.Message)
}

// ImportInto decrypts each pulled file into boxID via engine, encrypting it
// fresh under that Box's own DEK. The remote Box's key material never
// leaves the wire handshake; only plaintext crosses into local storage.
func ImportInto(ctx context.Context, engine *box.Engine, boxID string, files []PulledFile) error {
	for _, f := range files {
		if _, _, err := engine.AddFile(ctx, boxID, f.Name, f.Description, f.Tags, f.Plaintext); err != nil {
			return err
		}
	}
	return nil
}
