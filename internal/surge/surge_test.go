package surge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khunter/autotrader/internal/bus"
)

func testConfig() Config {
	return Config{
		BucketSeconds:   10,
		LookbackBuckets: 20,
		VolumeRatio:     3.0,
		VolumeFloor:     1000,
		StrengthMin:     120,
		CooldownSeconds: 60,
	}
}

func collectSurges(b *bus.Bus) *[]bus.Surge {
	var out []bus.Surge
	b.Subscribe(bus.TopicSurge, func(m bus.Message) {
		out = append(out, m.(bus.Surge))
	})
	return &out
}

func tickAt(t time.Time, price float64, volume int64, strength float64) bus.Tick {
	return bus.Tick{Instrument: "005930", Price: price, Volume: volume, Strength: strength, Source: "feed", Time: t}
}

func TestBucket_SingleTickAggregation(t *testing.T) {
	var b bucket
	b.add(6730, 100)

	assert.Equal(t, 6730.0, b.open)
	assert.Equal(t, 6730.0, b.high)
	assert.Equal(t, 6730.0, b.low)
	assert.Equal(t, 6730.0, b.close)
	assert.Equal(t, int64(100), b.volume)
	assert.Equal(t, 1, b.tickCount)
}

func TestBucket_TracksExtremes(t *testing.T) {
	var b bucket
	b.add(100, 10)
	b.add(120, 10)
	b.add(90, 10)

	assert.Equal(t, 100.0, b.open)
	assert.Equal(t, 120.0, b.high)
	assert.Equal(t, 90.0, b.low)
	assert.Equal(t, 90.0, b.close)
	assert.Equal(t, int64(30), b.volume)
}

func TestDetector_VolumeSurgeAgainstBaseline(t *testing.T) {
	b := bus.New()
	surges := collectSurges(b)
	New(testConfig(), b)

	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.Local)

	// five quiet baseline buckets of 500 shares each
	for i := 0; i < 5; i++ {
		b.Publish(tickAt(base.Add(time.Duration(i*10)*time.Second), 50000, 500, 100))
	}
	require.Empty(t, *surges, "baseline building must not fire")

	// one bucket with 2000 shares: 4x the 500 mean, above the floor
	b.Publish(tickAt(base.Add(50*time.Second), 50100, 2000, 100))

	require.Len(t, *surges, 1)
	s := (*surges)[0]
	assert.Equal(t, "005930", s.Instrument)
	assert.Equal(t, int64(2000), s.CurrentVolume)
	assert.Equal(t, int64(500), s.AvgVolume)
	assert.InDelta(t, 4.0, s.VolumeRatio, 0.001)
	assert.Contains(t, s.Reason, "volume")
}

func TestDetector_VolumeFloorSuppressesThinTape(t *testing.T) {
	b := bus.New()
	surges := collectSurges(b)
	New(testConfig(), b)

	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.Local)
	for i := 0; i < 5; i++ {
		b.Publish(tickAt(base.Add(time.Duration(i*10)*time.Second), 50000, 50, 100))
	}
	// 10x the mean but only 500 shares, below the 1000 floor
	b.Publish(tickAt(base.Add(50*time.Second), 50000, 500, 100))

	assert.Empty(t, *surges)
}

func TestDetector_StrengthSurge(t *testing.T) {
	b := bus.New()
	surges := collectSurges(b)
	New(testConfig(), b)

	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.Local)
	b.Publish(tickAt(base, 50000, 500, 100))
	// next bucket: ordinary volume, extreme strength
	b.Publish(tickAt(base.Add(10*time.Second), 50000, 500, 150))

	require.Len(t, *surges, 1)
	assert.Equal(t, 150.0, (*surges)[0].Strength)
	assert.Contains(t, (*surges)[0].Reason, "strength")
}

func TestDetector_CooldownSuppressesRefire(t *testing.T) {
	b := bus.New()
	surges := collectSurges(b)
	New(testConfig(), b)

	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.Local)
	b.Publish(tickAt(base, 50000, 500, 100))
	b.Publish(tickAt(base.Add(10*time.Second), 50000, 500, 150))
	require.Len(t, *surges, 1)

	// 30s later, still inside the 60s cooldown
	b.Publish(tickAt(base.Add(40*time.Second), 50000, 500, 150))
	assert.Len(t, *surges, 1)

	// past the cooldown
	b.Publish(tickAt(base.Add(80*time.Second), 50000, 500, 150))
	assert.Len(t, *surges, 2)
}

func TestDetector_EmptyBucketsDoNotDiluteBaseline(t *testing.T) {
	b := bus.New()
	surges := collectSurges(b)
	New(testConfig(), b)

	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.Local)
	b.Publish(tickAt(base, 50000, 500, 100))
	// a five-minute gap of empty buckets, then a 4x print
	b.Publish(tickAt(base.Add(5*time.Minute), 50000, 2000, 100))

	require.Len(t, *surges, 1, "gap buckets must not zero out the mean")
	assert.Equal(t, int64(500), (*surges)[0].AvgVolume)
}

func TestDetector_NoBaselineNoFire(t *testing.T) {
	b := bus.New()
	surges := collectSurges(b)
	d := New(testConfig(), b)

	b.Publish(tickAt(time.Now(), 50000, 100000, 200))

	assert.Empty(t, *surges, "first bucket has nothing to compare against")
	assert.Equal(t, 1, d.Tracked())
}

func TestDetector_CarriesDisplayName(t *testing.T) {
	b := bus.New()
	surges := collectSurges(b)
	New(testConfig(), b)

	b.Publish(bus.ConditionSignal{Instrument: "005930", Name: "Samsung Electronics", Direction: "IN", Time: time.Now()})

	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.Local)
	b.Publish(tickAt(base, 50000, 500, 100))
	b.Publish(tickAt(base.Add(10*time.Second), 50000, 500, 150))

	require.Len(t, *surges, 1)
	assert.Equal(t, "Samsung Electronics", (*surges)[0].Name)
}
