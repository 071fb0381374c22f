package rtc

import (
	"sync"
	"time"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
)

// speakerDetector picks the audio source with the most payload bytes in a
// sliding window. Sources at or below threshold never win.
type speakerDetector struct {
	window    time.Duration
	threshold int

	mu      sync.Mutex
	samples map[uint32][]speakerSample
	current uint32
}

type speakerSample struct {
	at    time.Time
	bytes int
}

func newSpeakerDetector(window time.Duration, threshold int) *speakerDetector {
	return &speakerDetector{
		window:    window,
		threshold: threshold,
		samples:   make(map[uint32][]speakerSample),
		current:   media.DominantSpeakerNone,
	}
}

func (d *speakerDetector) observe(ssrc uint32, n int, now time.Time) {
	d.mu.Lock()
	d.samples[ssrc] = append(d.samples[ssrc], speakerSample{at: now, bytes: n})
	d.mu.Unlock()
}

func (d *speakerDetector) forget(ssrc uint32) {
	d.mu.Lock()
	delete(d.samples, ssrc)
	d.mu.Unlock()
}

// evaluate trims old samples and returns the dominant source when it
// changed since the last call.
func (d *speakerDetector) evaluate(now time.Time) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-d.window)
	best, bestBytes := media.DominantSpeakerNone, d.threshold
	for ssrc, samples := range d.samples {
		i := 0
		for i < len(samples) && samples[i].at.Before(cutoff) {
			i++
		}
		samples = samples[i:]
		d.samples[ssrc] = samples

		total := 0
		for _, s := range samples {
			total += s.bytes
		}
		if total > bestBytes || (total == bestBytes && total > d.threshold && ssrc < best) {
			best, bestBytes = ssrc, total
		}
	}

	if best == d.current {
		return best, false
	}
	d.current = best
	return best, true
}
