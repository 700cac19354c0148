// Package audiodsp pre-processes raw microphone audio before it reaches a
// realtime session: noise suppression on native-size frames, resampling
// down to the upstream's expected rate, fractional-frame buffering across
// chunk boundaries, and silence-triggered buffer resets.
//
// Processing runs on a fixed worker pool so a slow or bursty producer never
// blocks the caller's event loop; results are delivered through callbacks
// rather than a pull channel, matching the push-style event reporting used
// by the realtime session layer.
package audiodsp

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/wislap/neko-runtime/pkg/audio"
)

// nativeFrameSamples is the sample count of a "full" 10ms frame at 48kHz,
// the size the noise-reduction filter is tuned for. Chunks of any other
// length skip noise reduction and go straight to resampling.
const nativeFrameSamples = 480

// Config tunes a [Processor].
type Config struct {
	// InputSampleRate is the rate audio arrives at, e.g. 48000 for desktop
	// capture, 16000 for mobile capture.
	InputSampleRate int

	// OutputSampleRate is the rate the upstream realtime session expects.
	// Default: 16000.
	OutputSampleRate int

	// SilenceResetAfter is how long continuous near-silence must persist
	// before OnSilenceReset fires and internal buffers are cleared.
	// Default: 4s.
	SilenceResetAfter time.Duration

	// SilenceRMSThreshold is the int16 RMS amplitude below which a chunk is
	// considered silent. Default: 200 (out of 32767).
	SilenceRMSThreshold float64

	// Workers is the number of goroutines processing submitted chunks.
	// Default: 4.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = 16000
	}
	if c.SilenceResetAfter <= 0 {
		c.SilenceResetAfter = 4 * time.Second
	}
	if c.SilenceRMSThreshold <= 0 {
		c.SilenceRMSThreshold = 200
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// ResultFunc receives a processed, resampled PCM16 chunk ready to forward
// upstream. It may be called from any worker goroutine and must not block.
type ResultFunc func(pcm []byte)

// SilenceResetFunc is invoked once per silence episode once
// [Config.SilenceResetAfter] of continuous near-silence has elapsed. The
// caller is expected to tell the upstream session to clear its input
// buffer (input_audio_buffer.clear) on the next chunk it sends.
type SilenceResetFunc func()

// Processor pre-processes one session's audio stream. It is safe for
// concurrent Submit calls, though in practice a single session only ever
// submits from one goroutine at a time; the internal mutex exists because
// Submit's work runs on a pool worker, not the caller's goroutine.
type Processor struct {
	cfg Config
	pool *pool

	mu          sync.Mutex
	leftover    []byte // unconsumed tail bytes from the last chunk, int16-aligned
	silenceSince time.Time
	inSilence   bool
}

// NewProcessor creates a Processor backed by a dedicated worker pool of
// cfg.Workers goroutines. Call Close when the session ends.
func NewProcessor(cfg Config) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		cfg:  cfg,
		pool: newPool(cfg.Workers),
	}
}

// Close stops the worker pool, waiting for in-flight jobs to finish.
func (p *Processor) Close() {
	p.pool.close()
}

// Submit enqueues a raw PCM16 chunk for processing. onResult and
// onSilenceReset are invoked from a worker goroutine, never from Submit
// itself, so Submit never blocks on processing.
func (p *Processor) Submit(chunk []byte, onResult ResultFunc, onSilenceReset SilenceResetFunc) {
	p.pool.submit(func() {
		p.process(chunk, onResult, onSilenceReset)
	})
}

func (p *Processor) process(chunk []byte, onResult ResultFunc, onSilenceReset SilenceResetFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(chunk)%2 != 0 {
		slog.Warn("audiodsp: odd byte count in chunk, dropping", "bytes", len(chunk))
		return
	}

	p.trackSilence(chunk, onSilenceReset)

	samples := len(chunk) / 2
	pcm := chunk
	if samples == nativeFrameSamples {
		pcm = reduceNoise(chunk)
	}

	rate := p.cfg.InputSampleRate
	if rate <= 0 {
		rate = p.cfg.OutputSampleRate
	}
	if rate != p.cfg.OutputSampleRate {
		pcm = p.resampleBuffered(pcm, rate)
	}

	if len(pcm) == 0 {
		return
	}
	onResult(pcm)
}

// resampleBuffered downsamples pcm from srcRate to the configured output
// rate, prepending any fractional tail left over from the previous chunk
// and stashing the new fractional tail for next time. This keeps the
// resampler's interpolation window aligned across chunk boundaries instead
// of dropping the last partial sample pair on every call.
func (p *Processor) resampleBuffered(pcm []byte, srcRate int) []byte {
	combined := pcm
	if len(p.leftover) > 0 {
		combined = make([]byte, len(p.leftover)+len(pcm))
		copy(combined, p.leftover)
		copy(combined[len(p.leftover):], pcm)
	}

	// Keep the trailing sample so downstream resampling always has a "next
	// sample" to interpolate towards; carry it into the next call.
	usable := combined
	var tail []byte
	if len(usable) >= 2 {
		tail = append([]byte(nil), usable[len(usable)-2:]...)
		usable = usable[:len(usable)-2]
	}
	p.leftover = tail

	if len(usable) == 0 {
		return nil
	}
	return audio.ResampleMono16(usable, srcRate, p.cfg.OutputSampleRate)
}

// trackSilence updates the continuous-silence timer and fires
// onSilenceReset exactly once per silence episode once the threshold
// elapses, clearing buffered state so the next chunk starts clean.
func (p *Processor) trackSilence(chunk []byte, onSilenceReset SilenceResetFunc) {
	if rmsInt16(chunk) >= p.cfg.SilenceRMSThreshold {
		p.inSilence = false
		p.silenceSince = time.Time{}
		return
	}

	now := time.Now()
	if p.silenceSince.IsZero() {
		p.silenceSince = now
	}
	if !p.inSilence && now.Sub(p.silenceSince) >= p.cfg.SilenceResetAfter {
		p.inSilence = true
		p.leftover = nil
		if onSilenceReset != nil {
			onSilenceReset()
		}
	}
}

// rmsInt16 computes the root-mean-square amplitude of little-endian int16
// PCM samples.
func rmsInt16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float64(s)
		sumSquares += v * v
	}
	return math.Sqrt(sumSquares / float64(n))
}

// reduceNoise applies a light noise gate: samples below a fixed floor are
// zeroed, suppressing low-level hiss without touching speech-level signal.
// This is intentionally simple; it runs only on native 480-sample frames
// per the upstream client's framing.
func reduceNoise(pcm []byte) []byte {
	const floor = 80
	out := make([]byte, len(pcm))
	copy(out, pcm)
	for i := 0; i+1 < len(out); i += 2 {
		s := int16(out[i]) | int16(out[i+1])<<8
		if s > -floor && s < floor {
			out[i] = 0
			out[i+1] = 0
		}
	}
	return out
}
