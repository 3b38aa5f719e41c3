// Package surge watches the tick stream for volume and trade-strength
// anomalies against a short rolling baseline of time buckets.
package surge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/khunter/autotrader/internal/bus"
	"github.com/khunter/autotrader/internal/observ"
)

// Config tunes the detector. Zero values get defaults in New.
type Config struct {
	BucketSeconds   int     `yaml:"bucket_seconds"`    // baseline bucket width
	LookbackBuckets int     `yaml:"lookback_buckets"`  // baseline length
	VolumeRatio     float64 `yaml:"volume_ratio"`      // surge when current >= ratio * mean
	VolumeFloor     int64   `yaml:"volume_floor"`      // ignore surges below this absolute volume
	StrengthMin     float64 `yaml:"strength_min"`      // surge when strength >= this
	CooldownSeconds int     `yaml:"cooldown_seconds"`  // per-instrument re-fire suppression
}

// bucket aggregates ticks in one baseline interval.
type bucket struct {
	open, high, low, close float64
	volume                 int64
	tickCount              int
}

func (b *bucket) add(price float64, volume int64) {
	if b.tickCount == 0 {
		b.open, b.high, b.low = price, price, price
	}
	if price > b.high {
		b.high = price
	}
	if price < b.low {
		b.low = price
	}
	b.close = price
	b.volume += volume
	b.tickCount++
}

// track is per-instrument detector state.
type track struct {
	name      string
	current   bucket
	bucketAt  time.Time // start of the current bucket
	history   []bucket  // ring of archived buckets, oldest first
	volumeSum int64     // running sum over history, avoids rescanning
	lastFire  time.Time
}

// Detector consumes ticks from the router and publishes surge events. One
// instance watches every instrument it sees.
type Detector struct {
	cfg Config
	bus *bus.Bus

	mu     sync.Mutex
	tracks map[string]*track
	names  map[string]string
}

func New(cfg Config, b *bus.Bus) *Detector {
	if cfg.BucketSeconds <= 0 {
		cfg.BucketSeconds = 10
	}
	if cfg.LookbackBuckets <= 0 {
		cfg.LookbackBuckets = 20
	}
	if cfg.VolumeRatio <= 0 {
		cfg.VolumeRatio = 3.0
	}
	if cfg.VolumeFloor <= 0 {
		cfg.VolumeFloor = 1000
	}
	if cfg.StrengthMin <= 0 {
		cfg.StrengthMin = 120
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = 60
	}

	d := &Detector{
		cfg:    cfg,
		bus:    b,
		tracks: make(map[string]*track),
		names:  make(map[string]string),
	}
	b.Subscribe(bus.TopicTick, d.onTick)
	b.Subscribe(bus.TopicConditionIn, d.onCondition)
	return d
}

// onCondition remembers display names so surge events read well in logs.
func (d *Detector) onCondition(m bus.Message) {
	sig, ok := m.(bus.ConditionSignal)
	if !ok || sig.Name == "" {
		return
	}
	d.mu.Lock()
	d.names[sig.Instrument] = sig.Name
	d.mu.Unlock()
}

func (d *Detector) onTick(m bus.Message) {
	tick, ok := m.(bus.Tick)
	if !ok {
		return
	}

	d.mu.Lock()
	event := d.ingestLocked(tick)
	d.mu.Unlock()

	// publish outside the lock: downstream handlers may come back to us
	if event != nil {
		observ.IncCounter("surges_detected_total", nil)
		observ.Log("surge_detected", map[string]any{
			"instrument": event.Instrument,
			"volume":     event.CurrentVolume,
			"avg_volume": event.AvgVolume,
			"ratio":      event.VolumeRatio,
			"strength":   event.Strength,
			"reason":     event.Reason,
		})
		d.bus.Publish(*event)
	}
}

func (d *Detector) ingestLocked(tick bus.Tick) *bus.Surge {
	tr := d.tracks[tick.Instrument]
	if tr == nil {
		tr = &track{bucketAt: tick.Time.Truncate(d.bucketWidth())}
		d.tracks[tick.Instrument] = tr
	}

	bucketStart := tick.Time.Truncate(d.bucketWidth())
	if bucketStart.After(tr.bucketAt) {
		d.advanceLocked(tr, bucketStart)
	}
	tr.current.add(tick.Price, tick.Volume)

	return d.evaluateLocked(tick, tr)
}

// advanceLocked archives the finished bucket into the baseline. Empty buckets
// are skipped so thin tape does not dilute the mean.
func (d *Detector) advanceLocked(tr *track, start time.Time) {
	if tr.current.tickCount > 0 {
		tr.history = append(tr.history, tr.current)
		tr.volumeSum += tr.current.volume
		if len(tr.history) > d.cfg.LookbackBuckets {
			tr.volumeSum -= tr.history[0].volume
			tr.history = tr.history[1:]
		}
	}
	tr.current = bucket{}
	tr.bucketAt = start
}

func (d *Detector) evaluateLocked(tick bus.Tick, tr *track) *bus.Surge {
	if len(tr.history) == 0 {
		return nil // no baseline yet
	}
	if tick.Time.Sub(tr.lastFire) < time.Duration(d.cfg.CooldownSeconds)*time.Second {
		return nil
	}

	avg := tr.volumeSum / int64(len(tr.history))
	var reasons []string

	if avg > 0 && tr.current.volume >= int64(d.cfg.VolumeRatio*float64(avg)) && tr.current.volume >= d.cfg.VolumeFloor {
		reasons = append(reasons, fmt.Sprintf("volume %.1fx avg", float64(tr.current.volume)/float64(avg)))
	}
	if tick.Strength >= d.cfg.StrengthMin {
		reasons = append(reasons, fmt.Sprintf("strength %.1f", tick.Strength))
	}
	if len(reasons) == 0 {
		return nil
	}

	tr.lastFire = tick.Time
	var ratio float64
	if avg > 0 {
		ratio = float64(tr.current.volume) / float64(avg)
	}
	return &bus.Surge{
		Instrument:    tick.Instrument,
		Name:          d.names[tick.Instrument],
		CurrentVolume: tr.current.volume,
		AvgVolume:     avg,
		VolumeRatio:   ratio,
		Strength:      tick.Strength,
		Reason:        strings.Join(reasons, ", "),
		Time:          tick.Time,
	}
}

func (d *Detector) bucketWidth() time.Duration {
	return time.Duration(d.cfg.BucketSeconds) * time.Second
}

// Tracked reports how many instruments the detector is currently following.
func (d *Detector) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracks)
}
