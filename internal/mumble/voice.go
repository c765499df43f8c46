package mumble

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"layeh.com/gumble/gumble"

	"github.com/chartmann1590/mumble-ai-assistant/internal/audiodsp"
	appcontext "github.com/chartmann1590/mumble-ai-assistant/internal/context"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
	"github.com/chartmann1590/mumble-ai-assistant/internal/speech"
)

// outgoingFrameSamples is 20ms of 48kHz mono PCM.
const outgoingFrameSamples = 960

// minUtteranceRMS rejects a transcription candidate likely to be Whisper
// hallucination bait on near-silent audio.
const minUtteranceRMS = 50.0

// speakerTracker implements gumble.AudioListener, demuxing incoming Opus
// (already decoded to PCM by gumble) per speaker and declaring end-of-utterance
// after a silence gap.
type speakerTracker struct {
	ch *Channel

	mu       sync.Mutex
	speakers map[uint32]*speakerState
}

type speakerState struct {
	user   *gumble.User
	cancel context.CancelFunc
}

func newSpeakerTracker(ch *Channel) *speakerTracker {
	return &speakerTracker{ch: ch, speakers: make(map[uint32]*speakerState)}
}

// OnAudioStream is invoked once per contiguous talk spell; gumble already
// segments streams on its own transport-level silence, so each call here
// corresponds to one speaker's utterance attempt.
func (t *speakerTracker) OnAudioStream(e *gumble.AudioStreamEvent) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.speakers[e.User.Session] = &speakerState{user: e.User, cancel: cancel}
	t.mu.Unlock()

	go t.consume(ctx, e)
}

func (t *speakerTracker) forget(session uint32) {
	t.mu.Lock()
	st, ok := t.speakers[session]
	delete(t.speakers, session)
	t.mu.Unlock()
	if ok {
		st.cancel()
	}
}

// consume accumulates PCM for one utterance until the packet channel closes
// or a >=1.5s inter-packet gap elapses, then hands it off for transcription.
func (t *speakerTracker) consume(ctx context.Context, e *gumble.AudioStreamEvent) {
	var pcm bytes.Buffer
	timer := time.NewTimer(utteranceSilence)
	defer timer.Stop()

	flush := func() {
		if pcm.Len() == 0 {
			return
		}
		buf := make([]byte, pcm.Len())
		copy(buf, pcm.Bytes())
		pcm.Reset()
		go t.ch.handleUtterance(e.User, buf)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-timer.C:
			flush()
		case pkt, ok := <-e.C:
			if !ok {
				flush()
				return
			}
			for _, sample := range pkt.AudioBuffer {
				var b [2]byte
				binary.LittleEndian.PutUint16(b[:], uint16(sample))
				pcm.Write(b[:])
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(utteranceSilence)
		}
	}
}

// handleUtterance runs the shared per-turn voice flow: resample to
// 16kHz, reject low-energy audio, transcribe, drop known hallucinations, run
// the dialog orchestrator, synthesize the reply, resample to 48kHz, and inject it back.
func (c *Channel) handleUtterance(user *gumble.User, pcm48 []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if audiodsp.RMS(pcm48) < minUtteranceRMS {
		return
	}

	pcm16 := audiodsp.ResampleMono16(pcm48, mumbleSampleRate, whisperSampleRate)
	pcm16 = audiodsp.NormalizeToPeak(pcm16, 0.9)
	wav := audiodsp.WrapWAV(pcm16, audiodsp.WAVHeader{SampleRate: whisperSampleRate, BitsPerSample: 16, Channels: 1})

	language := ""
	if c.users.Language != nil {
		language = c.users.Language()
	}
	result, err := c.stt.Transcribe(ctx, wav, language)
	if err != nil {
		slog.Error("mumble: transcribe failed", "user", user.Name, "err", err)
		return
	}
	text := result.Text
	if text == "" || speech.IsKnownHallucination(text) {
		return
	}

	session := "mumble-" + user.Name
	reply, err := c.orch.Handle(ctx, user.Name, session, memory.ModalityVoice, appcontext.ChannelVoice, text)
	if err != nil {
		slog.Error("mumble: voice turn failed", "user", user.Name, "err", err)
		return
	}

	c.playTo(ctx, user, reply.AssistantText)
}

// playWAV resamples a synthesized WAV (produced at whatever rate the
// configured TTS engine uses) to 48kHz mono and injects it as outgoing
// Mumble audio frames.
func (c *Channel) playWAV(wav []byte) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	pcm, header, err := audiodsp.UnwrapWAV(wav)
	if err != nil {
		slog.Error("mumble: unwrap tts wav failed", "err", err)
		return
	}
	pcm48 := audiodsp.ResampleMono16(pcm, int(header.SampleRate), mumbleSampleRate)

	out := client.AudioOutgoing()
	defer close(out)
	samples := len(pcm48) / 2
	for offset := 0; offset < samples; offset += outgoingFrameSamples {
		end := offset + outgoingFrameSamples
		if end > samples {
			end = samples
		}
		frame := make(gumble.AudioBuffer, end-offset)
		for i := offset; i < end; i++ {
			frame[i-offset] = int16(binary.LittleEndian.Uint16(pcm48[i*2:]))
		}
		out <- frame
	}
}
