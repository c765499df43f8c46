// Package mumble implements the Mumble voice and text channel. Text
// messages are filtered for server notices and passed straight to the dialog orchestrator; voice
// is demuxed per speaker, accumulated until an end-of-utterance silence gap,
// transcribed, run through the dialog orchestrator, synthesized, and injected back as outgoing
// Mumble audio frames.
package mumble

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"layeh.com/gumble/gumble"
	"layeh.com/gumble/gumbleutil"
	_ "layeh.com/gumble/opus"

	appcontext "github.com/chartmann1590/mumble-ai-assistant/internal/context"
	"github.com/chartmann1590/mumble-ai-assistant/internal/dialog"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
	"github.com/chartmann1590/mumble-ai-assistant/internal/speech"
)

// mumbleSampleRate is the fixed PCM rate every gumble client speaks, both
// for incoming AudioPacket buffers and outgoing AudioBuffer frames.
const mumbleSampleRate = 48000

// whisperSampleRate is the rate Whisper expects its WAV uploads framed at.
const whisperSampleRate = 16000

// utteranceSilence is the inter-packet gap that ends a per-speaker
// utterance.
const utteranceSilence = 1500 * time.Millisecond

// reconnectBackoff bounds the delay between reconnect attempts.
const reconnectBackoff = 5 * time.Second

// serverNoticePatterns recognizes the HTML-tagged system lines Murmur sends
// into the text channel (version nags, welcome messages) that must never be
// treated as user input.
var serverNoticePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<a\s+href`),
	regexp.MustCompile(`(?i)upgrade to (the latest|a newer)? ?mumble`),
	regexp.MustCompile(`(?i)this server is running`),
}

// Dialer is the subset of the dialog orchestrator the channel needs for one turn.
type Dialer interface {
	Handle(ctx context.Context, user, channelSession string, modality memory.Modality, channel appcontext.Channel, text string) (dialog.Result, error)
}

// Config holds the Mumble channel's connection settings (bootstrap YAML).
type Config struct {
	ServerAddr string
	Username   string
	Password   string
	Channel    string
	Insecure   bool
}

// Channel runs the Mumble text and voice frontends against a single Murmur
// connection, reconnecting on loss.
type Channel struct {
	cfg   Config
	orch  Dialer
	stt   *speech.Transcriber
	tts   *speech.Router
	users UserConfig
	dbPing func(ctx context.Context) error

	mu     sync.Mutex
	client *gumble.Client

	connected atomic.Bool
	// connecting is set while Run's loop has a connectAndServe in progress;
	// the health loop only reads it to report whether a reconnect is under
	// way.
	connecting atomic.Bool
}

// UserConfig resolves a persona/model/voice for replies; the persona and TTS
// selection live in config.Store but mumble only needs their resolved values
// per call, so the orchestrator/TTS plumbing below takes them as arguments
// rather than coupling this package to config.Store directly.
type UserConfig struct {
	// Welcome returns the fixed immediate greeting played right after a user
	// joins voice, before the personalized LLM welcome.
	Welcome func() string
	// Voice is the TTS voice identifier to pass to the synthesizer.
	Voice func() string
	// Engine is the currently-configured TTS engine name,
	// resolved per call so a live config change takes effect on the next turn.
	Engine func() string
	// Language is the whisper_language transcription hint; empty means
	// auto-detect.
	Language func() string
}

// New creates a [Channel]. dbPing is used by the health loop to verify
// database connectivity; pass pool.Ping bound to a context.
func New(cfg Config, orch Dialer, stt *speech.Transcriber, tts *speech.Router, users UserConfig, dbPing func(ctx context.Context) error) *Channel {
	return &Channel{cfg: cfg, orch: orch, stt: stt, tts: tts, users: users, dbPing: dbPing}
}

// Run connects to Murmur and blocks until ctx is canceled, reconnecting on
// disconnect with a fixed backoff.
func (c *Channel) Run(ctx context.Context) {
	go c.healthLoop(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		if !c.connecting.CompareAndSwap(false, true) {
			// a connection attempt is already in flight; back off
			// instead of starting a second one.
			time.Sleep(reconnectBackoff)
			continue
		}
		err := c.connectAndServe(ctx)
		c.connecting.Store(false)
		if err != nil {
			slog.Error("mumble: connection ended", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (c *Channel) connectAndServe(ctx context.Context) error {
	gconfig := gumble.NewConfig()
	gconfig.Username = c.cfg.Username
	gconfig.Password = c.cfg.Password

	sp := newSpeakerTracker(c)
	disconnected := make(chan struct{})
	var closeOnce sync.Once

	gconfig.Attach(gumbleutil.AutoBitrate)
	gconfig.Attach(gumbleutil.Listener{
		Connect: func(e *gumble.ConnectEvent) {
			slog.Info("mumble: connected", "addr", c.cfg.ServerAddr)
			c.connected.Store(true)
			if c.cfg.Channel != "" {
				if ch := e.Client.Channels.Find(strings.Split(c.cfg.Channel, "/")...); ch != nil {
					e.Client.Self.Move(ch)
				}
			}
		},
		TextMessage: func(e *gumble.TextMessageEvent) {
			c.handleTextMessage(ctx, e)
		},
		UserChange: func(e *gumble.UserChangeEvent) {
			if e.Type&gumble.UserChangeDisconnected != 0 {
				sp.forget(e.User.Session)
				return
			}
			if e.Type&gumble.UserChangeConnected != 0 {
				go c.greet(ctx, e.User)
			}
		},
		Disconnect: func(e *gumble.DisconnectEvent) {
			slog.Warn("mumble: disconnected", "reason", e.Type)
			c.connected.Store(false)
			closeOnce.Do(func() { close(disconnected) })
		},
	})
	gconfig.AttachAudio(sp)

	tlsConfig := &tls.Config{InsecureSkipVerify: c.cfg.Insecure}
	client, err := gumble.DialWithDialer(new(net.Dialer), c.cfg.ServerAddr, gconfig, tlsConfig)
	if err != nil {
		return fmt.Errorf("mumble: connect: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		client.Disconnect()
		return ctx.Err()
	case <-disconnected:
		return fmt.Errorf("mumble: lost connection")
	}
}

// handleTextMessage is the text frontend: drop server notices,
// otherwise run the message through the dialog orchestrator and reply into the originating
// channel.
func (c *Channel) handleTextMessage(ctx context.Context, e *gumble.TextMessageEvent) {
	if isServerNotice(e.Message) {
		return
	}
	if e.Sender == nil {
		return
	}
	text := stripHTML(e.Message)
	if strings.TrimSpace(text) == "" {
		return
	}

	user := e.Sender.Name
	session := fmt.Sprintf("mumble-%d", e.Sender.Session)

	result, err := c.orch.Handle(ctx, user, session, memory.ModalityText, appcontext.ChannelText, text)
	if err != nil {
		slog.Error("mumble: text turn failed", "user", user, "err", err)
		return
	}

	c.sendText(e.Sender, result.AssistantText)
}

func (c *Channel) sendText(to *gumble.User, message string) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || to == nil {
		return
	}
	if to.Channel != nil {
		to.Channel.Send(message, false)
	}
}

// greet plays the voice-join opening: a fixed immediate greeting,
// then a personalized LLM welcome. The speaker tracker does not wait for
// the greeting; the user's speech is accepted while it plays.
func (c *Channel) greet(ctx context.Context, u *gumble.User) {
	if c.users.Welcome != nil {
		c.playTo(ctx, u, c.users.Welcome())
	}

	result, err := c.orch.Handle(ctx, u.Name, fmt.Sprintf("mumble-%d", u.Session), memory.ModalityVoice, appcontext.ChannelVoice, "(user joined voice)")
	if err != nil {
		slog.Error("mumble: welcome generation failed", "user", u.Name, "err", err)
		return
	}
	c.playTo(ctx, u, result.AssistantText)
}

func (c *Channel) playTo(ctx context.Context, u *gumble.User, text string) {
	if text == "" {
		return
	}
	voice := ""
	if c.users.Voice != nil {
		voice = c.users.Voice()
	}
	engine := "piper"
	if c.users.Engine != nil {
		engine = c.users.Engine()
	}
	wav, err := c.tts.Synthesize(ctx, engine, text, voice)
	if err != nil {
		slog.Error("mumble: tts failed", "err", err)
		return
	}
	c.playWAV(wav)
}

func isServerNotice(message string) bool {
	for _, re := range serverNoticePatterns {
		if re.MatchString(message) {
			return true
		}
	}
	return false
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func stripHTML(s string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(s, ""))
}
