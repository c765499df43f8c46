package sip

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/audiodsp"
	appcontext "github.com/chartmann1590/mumble-ai-assistant/internal/context"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
	"github.com/chartmann1590/mumble-ai-assistant/internal/speech"
)

// State is a call's position in the signaling state machine.
type State int

const (
	StateIdle State = iota
	StateTrying
	StateRinging
	StateAnswered
	StateEstablished
	StateTerminating
	StateClosed
)

const (
	rtpSampleRate   = 8000
	sttSampleRate   = 16000
	frameDuration   = 20 * time.Millisecond
	frameSamples    = 160 // 20ms @ 8kHz
	utteranceSilence = 1500 * time.Millisecond
	minUtteranceRMS = 50.0

	muteSettleNormal  = 500 * time.Millisecond
	muteSettleWelcome = 1000 * time.Millisecond

	postWelcomeText = "Let me think about that..."
)

// call is one SIP dialog's state plus its dedicated RTP socket.
type call struct {
	srv *Server

	id        string
	remote    *net.UDPAddr // signaling peer
	toTag     string
	fromTag   string
	localHost string

	rtpPort   int
	rtpConn   *net.UDPConn
	remoteRTP *net.UDPAddr

	mu       sync.Mutex
	state    State
	lastResp []byte

	establishOnce sync.Once
	cancel        context.CancelFunc

	muted atomic.Bool
	vad   *vadCalibrator
	calibratingSince time.Time

	// mutedFrames / mutedMaxRMS track what arrived while muted, for debug
	// logging only; muted audio never reaches the VAD buffer or estimator.
	mutedFrames int64
	mutedMaxRMS float64

	seq  uint16
	ts   uint32
	ssrc uint32

	speaking   bool
	lastSpeech time.Time
	pcm        bytes.Buffer
}

func (s *Server) handleInvite(ctx context.Context, raddr *net.UDPAddr, msg *Message) {
	id := msg.CallID()
	if existing, ok := s.getCall(id); ok {
		// retransmitted INVITE: re-send the cached response.
		existing.mu.Lock()
		resp := existing.lastResp
		existing.mu.Unlock()
		if resp != nil {
			s.conn.WriteToUDP(resp, raddr)
		}
		return
	}

	sdp, err := ParseSDP(msg.Body)
	if err != nil {
		slog.Error("sip: invite sdp parse failed", "err", err)
		s.sendSimple(raddr, msg, 488, "Not Acceptable Here")
		return
	}

	localHost, err := localIPFor(raddr)
	if err != nil {
		slog.Error("sip: resolve local addr failed", "err", err)
		s.sendSimple(raddr, msg, 500, "Server Internal Error")
		return
	}

	port := s.allocPort()
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		slog.Error("sip: rtp bind failed", "port", port, "err", err)
		s.sendSimple(raddr, msg, 500, "Server Internal Error")
		return
	}

	c := &call{
		srv: s, id: id, remote: raddr, fromTag: msg.FromTag(),
		toTag: newTag(), localHost: localHost,
		rtpPort: port, rtpConn: rtpConn,
		remoteRTP: &net.UDPAddr{IP: net.ParseIP(sdp.ConnAddr), Port: sdp.AudioPort},
		state:     StateTrying,
		vad:       newVADCalibrator(nil),
		ssrc:      uint32(time.Now().UnixNano()),
	}
	s.putCall(c)

	trying := c.buildResponse(msg, 100, "Trying", nil, "")
	s.conn.WriteToUDP(trying, raddr)

	c.mu.Lock()
	c.state = StateRinging
	c.mu.Unlock()
	ringing := c.buildResponse(msg, 180, "Ringing", nil, "")
	s.conn.WriteToUDP(ringing, raddr)

	answerSDP := BuildAnswer(localHost, port)
	ok := c.buildResponse(msg, 200, "OK", answerSDP, "application/sdp")

	c.mu.Lock()
	c.state = StateAnswered
	c.lastResp = ok
	c.mu.Unlock()
	s.conn.WriteToUDP(ok, raddr)
}

func (s *Server) handleACK(msg *Message) {
	c, ok := s.getCall(msg.CallID())
	if !ok {
		return
	}
	c.establishOnce.Do(func() {
		c.mu.Lock()
		c.state = StateEstablished
		c.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.runRTPRecv(ctx)
		go c.runCallOpening(ctx)
	})
}

func (s *Server) handleBye(raddr *net.UDPAddr, msg *Message) {
	c, ok := s.getCall(msg.CallID())
	if !ok {
		s.sendSimple(raddr, msg, 481, "Call/Transaction Does Not Exist")
		return
	}
	c.mu.Lock()
	c.state = StateTerminating
	resp := c.buildResponse(msg, 200, "OK", nil, "")
	c.mu.Unlock()
	s.conn.WriteToUDP(resp, c.remote)
	c.close()
}

func (s *Server) handleCancel(raddr *net.UDPAddr, msg *Message) {
	c, ok := s.getCall(msg.CallID())
	if !ok {
		s.sendSimple(raddr, msg, 481, "Call/Transaction Does Not Exist")
		return
	}
	c.mu.Lock()
	resp := c.buildResponse(msg, 200, "OK", nil, "")
	c.mu.Unlock()
	s.conn.WriteToUDP(resp, c.remote)
	c.close()
}

func (c *call) close() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.rtpConn.Close()
	c.srv.dropCall(c.id)
}

// buildResponse assembles a response re-using the request's Via/From/Call-ID/
// CSeq and a locally generated To-tag; the from-tag stays whatever the
// caller put in From:.
func (c *call) buildResponse(req *Message, status int, reason string, body []byte, contentType string) []byte {
	to := req.Header("To")
	if c.toTag != "" {
		to = fmt.Sprintf("%s;tag=%s", to, c.toTag)
	}
	b := NewResponse(req, status, reason).
		CopyHeader("Via").
		CopyHeader("From").
		Set("To", to).
		CopyHeader("Call-ID").
		CopyHeader("CSeq").
		Set("Contact", fmt.Sprintf("<sip:%s%s>", c.localHost, c.srv.listenPortSuffix()))
	if body != nil {
		b = b.WithBody(contentType, body)
	}
	return b.Bytes()
}

var tagCounter atomic.Uint64

func newTag() string {
	return fmt.Sprintf("mai-%d-%d", time.Now().UnixNano(), tagCounter.Add(1))
}

// localIPFor finds the local routable address for a UDP peer by dialing it
// (standard Go idiom since UDP dial performs no handshake).
func localIPFor(remote *net.UDPAddr) (string, error) {
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", err
	}
	return host, nil
}

// runCallOpening plays the call opening: a fixed immediate
// greeting, then a personalized LLM welcome, only after which the VAD
// calibration window starts and user speech is accepted.
func (c *call) runCallOpening(ctx context.Context) {
	// Mute is held for the entire opening — fixed greeting, welcome
	// generation, and welcome playback — and released only after the welcome
	// settle delay, so speech is accepted strictly after unmute.
	c.muted.Store(true)

	welcome := "Hello, you're connected."
	if c.srv.users.Welcome != nil {
		welcome = c.srv.users.Welcome()
	}
	c.speak(ctx, welcome)

	user := "default"
	if c.srv.users.User != nil {
		user = c.srv.users.User()
	}
	result, err := c.srv.orch.Handle(ctx, user, c.id, memory.ModalityVoice, appcontext.ChannelVoice, "(call connected)")
	if err != nil {
		slog.Error("sip: welcome generation failed", "call", c.id, "err", err)
	} else {
		c.speak(ctx, result.AssistantText)
	}

	c.unmuteAfter(muteSettleWelcome)
}

// runRTPRecv reads incoming RTP, decodes mu-law, runs VAD, and accumulates
// speech until an utterance boundary.
func (c *call) runRTPRecv(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		c.rtpConn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := c.rtpConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		pkt, err := parseRTP(buf[:n])
		if err != nil {
			continue
		}
		if pkt.PayloadType != payloadTypePCMU {
			// PCMA and telephone-event are advertised but only PCMU payloads
			// feed the voice pipeline.
			continue
		}
		c.onIncomingFrame(ctx, pkt.Payload)
	}
}

func (c *call) onIncomingFrame(ctx context.Context, ulaw []byte) {
	if c.muted.Load() {
		// anti-feedback: discard incoming audio during/just after playback,
		// don't update VAD state beyond statistics.
		c.mutedFrames++
		if rms := audiodsp.RMS(audiodsp.DecodeMulaw(ulaw)); rms > c.mutedMaxRMS {
			c.mutedMaxRMS = rms
		}
		return
	}

	pcm := audiodsp.DecodeMulaw(ulaw)
	rms := audiodsp.RMS(pcm)

	if !c.vad.Calibrated() {
		c.vad.Add(rms)
		if time.Since(c.calibratingSince) >= vadBaselineWindow*time.Second {
			c.vad.Finish()
		}
		return
	}

	isSpeech := rms > c.vad.Threshold()
	now := time.Now()
	if isSpeech {
		c.speaking = true
		c.lastSpeech = now
		c.pcm.Write(pcm)
		return
	}
	if c.speaking {
		c.pcm.Write(pcm) // keep trailing silence inside the utterance buffer
		if now.Sub(c.lastSpeech) >= utteranceSilence {
			c.speaking = false
			data := make([]byte, c.pcm.Len())
			copy(data, c.pcm.Bytes())
			c.pcm.Reset()
			go c.processUtterance(ctx, data)
		}
	}
}

// processUtterance runs the per-turn voice flow: upsample, reject
// low-energy audio, normalize, transcribe, filter hallucinations, run the dialog orchestrator,
// then speak the reply.
func (c *call) processUtterance(ctx context.Context, pcm8k []byte) {
	pcm16k := audiodsp.ResampleMono16(pcm8k, rtpSampleRate, sttSampleRate)
	if audiodsp.RMS(pcm16k) < minUtteranceRMS {
		return
	}
	pcm16k = audiodsp.NormalizeToPeak(pcm16k, 0.9)
	wav := audiodsp.WrapWAV(pcm16k, audiodsp.WAVHeader{SampleRate: sttSampleRate, BitsPerSample: 16, Channels: 1})

	language := ""
	if c.srv.users.Language != nil {
		language = c.srv.users.Language()
	}
	result, err := c.srv.stt.Transcribe(ctx, wav, language)
	if err != nil {
		slog.Error("sip: transcribe failed", "call", c.id, "err", err)
		return
	}
	text := result.Text
	if text == "" || speech.IsKnownHallucination(text) {
		return
	}

	c.playText(ctx, postWelcomeText)

	user := "default"
	if c.srv.users.User != nil {
		user = c.srv.users.User()
	}
	reply, err := c.srv.orch.Handle(ctx, user, c.id, memory.ModalityVoice, appcontext.ChannelVoice, text)
	if err != nil {
		slog.Error("sip: voice turn failed", "call", c.id, "err", err)
		return
	}
	c.playText(ctx, reply.AssistantText)
}

// playText synthesizes text and plays it out the RTP socket under the
// anti-feedback mute invariant: muted before the first TTS byte reaches RTP,
// unmuted only after the post-playback settle delay, with the buffer cleared
// and calibration reset in between.
func (c *call) playText(ctx context.Context, text string) {
	if text == "" {
		return
	}
	c.muted.Store(true)
	defer c.unmuteAfter(muteSettleNormal)
	c.speak(ctx, text)
}

// unmuteAfter waits out the settle delay, clears any buffered audio, resets
// VAD calibration so the threshold re-learns against the real caller, and
// only then clears the mute flag.
func (c *call) unmuteAfter(settle time.Duration) {
	time.Sleep(settle)
	c.pcm.Reset()
	c.speaking = false
	c.vad.Reset()
	c.calibratingSince = time.Now()
	if c.mutedFrames > 0 {
		slog.Debug("sip: dropped audio while muted", "call", c.id, "frames", c.mutedFrames, "max_rms", c.mutedMaxRMS)
		c.mutedFrames = 0
		c.mutedMaxRMS = 0
	}
	c.muted.Store(false)
}

// speak synthesizes text and paces it out the RTP socket. Callers own the
// mute flag.
func (c *call) speak(ctx context.Context, text string) {
	if text == "" {
		return
	}
	voice := ""
	if c.srv.users.Voice != nil {
		voice = c.srv.users.Voice()
	}
	engine := "piper"
	if c.srv.users.Engine != nil {
		engine = c.srv.users.Engine()
	}
	wav, err := c.srv.tts.Synthesize(ctx, engine, text, voice)
	if err != nil {
		slog.Error("sip: tts failed", "call", c.id, "err", err)
		return
	}
	pcm, header, err := audiodsp.UnwrapWAV(wav)
	if err != nil {
		slog.Error("sip: unwrap tts wav failed", "err", err)
		return
	}
	pcm8k := audiodsp.ResampleMono16(pcm, int(header.SampleRate), rtpSampleRate)
	c.sendPCM(pcm8k)
}

// sendPCM mu-law encodes and paces pcm out the RTP socket in 20ms frames.
func (c *call) sendPCM(pcm []byte) {
	ulaw := audiodsp.EncodeMulaw(pcm)
	frameBytes := frameSamples // 1 byte per mu-law sample

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for offset := 0; offset < len(ulaw); offset += frameBytes {
		end := offset + frameBytes
		if end > len(ulaw) {
			end = len(ulaw)
		}
		payload := ulaw[offset:end]

		pkt := rtpPacket{PayloadType: payloadTypePCMU, SeqNum: c.seq, Timestamp: c.ts, SSRC: c.ssrc, Payload: payload}
		c.seq++
		c.ts += uint32(len(payload))
		c.rtpConn.WriteToUDP(marshalRTP(pkt), c.remoteRTP)

		<-ticker.C
	}
}
