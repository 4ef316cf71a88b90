// Package shareserver is ShadowBox's Share Server (component G): it
// listens on a TCP port, speaks the pkg/wire frame protocol, and serves a
// single Box's current file manifest plus chunked plaintext reads to
// peers. Each accepted connection runs its own explicit state machine
// (HELLO -> AUTH -> READY -> SERVING), closing on any protocol violation.
package shareserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shadowbox/shadowbox/pkg/box"
	"github.com/shadowbox/shadowbox/pkg/cryptoutil"
	"github.com/shadowbox/shadowbox/pkg/log"
	"github.com/shadowbox/shadowbox/pkg/metrics"
	"github.com/shadowbox/shadowbox/pkg/shadowerr"
	"github.com/shadowbox/shadowbox/pkg/wire"
)

const protocolVersion = "shadowbox-wire-v1"

// connState is the per-connection state machine's current step.
type connState int

const (
	stateHello connState = iota
	stateAuthed
	stateReady
	stateServing
	stateClosed
)

// Server serves one Box's content to LAN peers over the framed TCP
// protocol.
type Server struct {
	engine    *box.Engine
	boxID     string
	code      string
	isPublic  bool
	selection map[string]bool // nil means "serve everything"

	listener net.Listener

	wg sync.WaitGroup
}

// New returns a Server for boxID, gated by the rendezvous code. selection,
// when non-empty, restricts which file IDs are ever advertised or served,
// letting a caller share a subset of a Box instead of its whole contents.
func New(engine *box.Engine, boxID, code string, isPublic bool, selection []string) *Server {
	s := &Server{
		engine:   engine,
		boxID:    boxID,
		code:     code,
		isPublic: isPublic,
	}
	if len(selection) > 0 {
		s.selection = make(map[string]bool, len(selection))
		for _, id := range selection {
			s.selection[id] = true
		}
	}
	return s
}

// Listen binds a TCP listener on addr (use ":0" to let the OS choose a
// port) and returns the chosen address without yet accepting connections.
func (s *Server) Listen(addr string) (string, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", shadowerr.Wrap(shadowerr.IOError, "listen for share server", err)
	}
	s.listener = l
	return l.Addr().String(), nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return shadowerr.Wrap(shadowerr.IOError, "accept connection", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peerLog := log.WithPeer(conn.RemoteAddr().String())

	wireKey, err := s.handshake(conn, peerLog)
	if err != nil {
		peerLog.Warn().Err(err).Msg("share server: handshake failed")
		writeError(conn, err)
		return
	}
	defer metrics.ActiveSessions.Dec()

	state := stateReady
	for {
		t, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if state != stateClosed {
				peerLog.Debug().Err(err).Msg("share server: connection ended")
			}
			return
		}

		switch t {
		case wire.TypeListReq:
			if err := s.handleList(ctx, conn, payload); err != nil {
				writeError(conn, err)
				return
			}
		case wire.TypeGetReq:
			state = stateServing
			if err := s.handleGet(ctx, conn, payload, wireKey); err != nil {
				writeError(conn, err)
				return
			}
			state = stateReady
		default:
			writeError(conn, shadowerr.Newf(shadowerr.ProtocolError, "unexpected frame type %d in state %d", t, state))
			return
		}
	}
}

// handshake runs HELLO -> (AUTH) -> ready, returning the derived wire key
// used to HMAC-authenticate the AUTH frame.
func (s *Server) handshake(conn net.Conn, peerLog zerolog.Logger) ([]byte, error) {
	t, payload, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.ProtocolError, "read hello", err)
	}
	if t != wire.TypeHello {
		return nil, shadowerr.Newf(shadowerr.ProtocolError, "expected HELLO, got frame type %d", t)
	}
	var hello wire.HelloPayload
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, shadowerr.Wrap(shadowerr.ProtocolError, "parse hello", err)
	}
	if hello.Code != s.code {
		return nil, shadowerr.New(shadowerr.AuthFailure, "rendezvous code mismatch")
	}

	serverNonce, err := cryptoutil.NewNonce()
	if err != nil {
		return nil, err
	}
	ack := wire.HelloAckPayload{
		ServerVersion:  protocolVersion,
		RequiresAuth:   !s.isPublic,
		ServerNonceHex: hex.EncodeToString(serverNonce),
	}
	ackBytes, _ := json.Marshal(ack)
	if err := wire.WriteFrame(conn, wire.TypeHelloAck, ackBytes); err != nil {
		return nil, err
	}

	clientNonce, err := hex.DecodeString(hello.ClientNonceHex)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.ProtocolError, "decode client nonce", err)
	}

	wireKey, err := cryptoutil.HKDFWithSalt([]byte(s.code), append(append([]byte{}, clientNonce...), serverNonce...), cryptoutil.InfoWireV1)
	if err != nil {
		return nil, err
	}

	if !s.isPublic {
		t, payload, err := wire.ReadFrame(conn)
		if err != nil {
			return nil, shadowerr.Wrap(shadowerr.ProtocolError, "read auth", err)
		}
		if t != wire.TypeAuth {
			return nil, shadowerr.Newf(shadowerr.ProtocolError, "expected AUTH, got frame type %d", t)
		}
		var auth wire.AuthPayload
		if err := json.Unmarshal(payload, &auth); err != nil {
			return nil, shadowerr.Wrap(shadowerr.ProtocolError, "parse auth", err)
		}

		expected := expectedHMAC(wireKey, clientNonce, serverNonce)
		got, err := hex.DecodeString(auth.HMACHex)
		if err != nil || !cryptoutil.ConstantTimeEqual(got, expected) {
			return nil, shadowerr.New(shadowerr.AuthFailure, "auth hmac mismatch")
		}
	}

	peerLog.Info().Str("box_id", s.boxID).Msg("share server: peer authenticated")
	metrics.ActiveSessions.Inc()
	return wireKey, nil
}

func expectedHMAC(wireKey, clientNonce, serverNonce []byte) []byte {
	mac := hmac.New(sha256.New, wireKey)
	mac.Write(clientNonce)
	mac.Write(serverNonce)
	return mac.Sum(nil)
}

func (s *Server) handleList(ctx context.Context, conn net.Conn, payload []byte) error {
	var req wire.ListReqPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return shadowerr.Wrap(shadowerr.ProtocolError, "parse list_req", err)
	}

	files, err := s.engine.ListFiles(ctx, s.boxID)
	if err != nil {
		return err
	}

	var entries []wire.FileEntry
	for _, f := range files {
		if s.selection != nil && !s.selection[f.ID] {
			continue
		}
		if len(req.Selection) > 0 && !contains(req.Selection, f.ID) {
			continue
		}
		if f.CurrentVersionID == "" {
			continue
		}
		versions, err := s.engine.ListVersions(ctx, f.ID)
		if err != nil {
			return err
		}
		var current *wire.FileEntry
		for _, v := range versions {
			if v.ID == f.CurrentVersionID {
				current = &wire.FileEntry{
					FileID: f.ID, Name: f.Name, Description: f.Description, Tags: f.Tags,
					VersionID: v.ID, Size: v.Size, Mime: v.Mime, SHA256: v.BlobHash,
				}
			}
		}
		if current != nil {
			entries = append(entries, *current)
		}
	}

	resp := wire.ListRespPayload{Files: entries}
	respBytes, err := json.Marshal(resp)
	if err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "marshal list_resp", err)
	}
	return wire.WriteFrame(conn, wire.TypeListResp, respBytes)
}

func (s *Server) handleGet(ctx context.Context, conn net.Conn, payload []byte, _ []byte) error {
	var req wire.GetReqPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return shadowerr.Wrap(shadowerr.ProtocolError, "parse get_req", err)
	}
	if s.selection != nil && !s.selection[req.FileID] {
		return shadowerr.Newf(shadowerr.NotFound, "file %s not in this share's selection", req.FileID)
	}

	f, err := s.engine.ListFiles(ctx, s.boxID)
	if err != nil {
		return err
	}
	var versionID string
	for _, file := range f {
		if file.ID == req.FileID {
			versionID = file.CurrentVersionID
			break
		}
	}
	if versionID == "" {
		return shadowerr.Newf(shadowerr.NotFound, "file %s has no content", req.FileID)
	}

	plaintext, err := s.engine.ReadFile(ctx, s.boxID, req.FileID)
	if err != nil {
		return err
	}

	for offset := 0; offset < len(plaintext) || len(plaintext) == 0; offset += wire.ChunkSize {
		end := offset + wire.ChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		final := end >= len(plaintext)
		chunk := wire.GetChunkPayload{
			Final:     final,
			FileID:    req.FileID,
			VersionID: versionID,
			Offset:    int64(offset),
			Data:      plaintext[offset:end],
		}
		if err := wire.WriteFrame(conn, wire.TypeGetChunk, chunk.Encode()); err != nil {
			return err
		}
		metrics.BytesServed.Add(float64(len(chunk.Data)))
		if final {
			break
		}
	}
	return nil
}

func writeError(conn net.Conn, err error) {
	kind, ok := shadowerr.KindOf(err)
	kindStr := "IOError"
	if ok {
		kindStr = kind.String()
	}
	payload := wire.ErrorPayload{Kind: kindStr, Message: err.Error()}
	b, _ := json.Marshal(payload)
	_ = wire.WriteFrame(conn, wire.TypeError, b)
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}
