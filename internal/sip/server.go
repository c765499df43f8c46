package sip

import (
	"context"
	"log/slog"
	"net"
	"sync"

	appcontext "github.com/chartmann1590/mumble-ai-assistant/internal/context"
	"github.com/chartmann1590/mumble-ai-assistant/internal/dialog"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
	"github.com/chartmann1590/mumble-ai-assistant/internal/speech"
)

const udpReadBufferSize = 2048

// Dialer is the subset of the dialog orchestrator a call needs for one turn.
type Dialer interface {
	Handle(ctx context.Context, user, channelSession string, modality memory.Modality, channel appcontext.Channel, text string) (dialog.Result, error)
}

// Config holds the SIP channel's signaling and RTP port-range settings
// (bootstrap YAML).
type Config struct {
	ListenAddr   string
	RTPPortStart int
	RTPPortEnd   int
}

// UserConfig resolves the fixed greeting, TTS voice, and the single
// configured user identity SIP calls are attributed to. There is no
// caller-ID-to-user mapping the way e-mail has an address mapping; every
// call belongs to the one configured user.
type UserConfig struct {
	Welcome func() string
	Voice   func() string
	User    func() string
	// Engine is the currently-configured TTS engine name.
	Engine func() string
	// Language is the whisper_language transcription hint; empty means
	// auto-detect.
	Language func() string
}

// Server listens on one UDP socket for SIP signaling and dispatches by
// Call-ID to per-call state machines, each of which owns its own RTP socket.
type Server struct {
	cfg   Config
	conn  *net.UDPConn
	orch  Dialer
	stt   *speech.Transcriber
	tts   *speech.Router
	users UserConfig

	mu       sync.Mutex
	calls    map[string]*call
	nextPort int
}

// New creates a [Server].
func New(cfg Config, orch Dialer, stt *speech.Transcriber, tts *speech.Router, users UserConfig) *Server {
	return &Server{cfg: cfg, orch: orch, stt: stt, tts: tts, users: users, calls: make(map[string]*call), nextPort: cfg.RTPPortStart}
}

// Run binds the signaling socket and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	slog.Info("sip: listening", "addr", s.cfg.ListenAddr)
	buf := make([]byte, udpReadBufferSize)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("sip: read failed", "err", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go s.handleDatagram(ctx, raddr, data)
	}
}

func (s *Server) handleDatagram(ctx context.Context, raddr *net.UDPAddr, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		slog.Warn("sip: bad datagram", "from", raddr, "err", err)
		return
	}
	if msg.Method == "" {
		return // response; we never send requests that would expect one
	}

	switch msg.Method {
	case "INVITE":
		s.handleInvite(ctx, raddr, msg)
	case "ACK":
		s.handleACK(msg)
	case "BYE":
		s.handleBye(raddr, msg)
	case "CANCEL":
		s.handleCancel(raddr, msg)
	case "OPTIONS":
		s.sendSimple(raddr, msg, 200, "OK")
	default:
		s.sendSimple(raddr, msg, 501, "Not Implemented")
	}
}

func (s *Server) sendSimple(raddr *net.UDPAddr, req *Message, status int, reason string) {
	resp := NewResponse(req, status, reason).
		CopyHeader("Via").
		CopyHeader("From").
		CopyHeader("To").
		CopyHeader("Call-ID").
		CopyHeader("CSeq").
		Bytes()
	s.conn.WriteToUDP(resp, raddr)
}

func (s *Server) allocPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	port := s.nextPort
	s.nextPort += 2
	if s.nextPort > s.cfg.RTPPortEnd {
		s.nextPort = s.cfg.RTPPortStart
	}
	return port
}

func (s *Server) getCall(id string) (*call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	return c, ok
}

func (s *Server) putCall(c *call) {
	s.mu.Lock()
	s.calls[c.id] = c
	s.mu.Unlock()
}

// listenPortSuffix returns ":<port>" for the SIP listen address, used to
// build a Contact URI at the address the INVITE arrived on.
func (s *Server) listenPortSuffix() string {
	_, port, err := net.SplitHostPort(s.cfg.ListenAddr)
	if err != nil || port == "" {
		return ""
	}
	return ":" + port
}

func (s *Server) dropCall(id string) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}
