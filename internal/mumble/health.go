package mumble

import (
	"context"
	"log/slog"
	"time"
)

// healthProbeInterval is the period for the periodic Whisper/TTS/DB/Mumble
// probes.
const healthProbeInterval = 30 * time.Second

const healthProbeTimeout = 5 * time.Second

// healthLoop periodically probes every dependency the Mumble channel needs and logs any
// that are unreachable. Mumble reconnection itself is driven by Run's
// sequential retry loop, so this loop
// only reports status rather than forcing a reconnect.
func (c *Channel) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce(ctx)
		}
	}
}

func (c *Channel) probeOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	if !c.stt.Health(pctx) {
		slog.Warn("mumble: whisper health probe failed")
	}
	if !c.tts.Health(pctx) {
		slog.Warn("mumble: tts health probe failed")
	}
	if c.dbPing != nil {
		if err := c.dbPing(pctx); err != nil {
			slog.Warn("mumble: db health probe failed", "err", err)
		}
	}
	if !c.connected.Load() {
		slog.Warn("mumble: not connected to server", "reconnecting", c.connecting.Load())
	}
}
