package callmon

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_UpdatesCountersAndKinds(t *testing.T) {
	m := New(100, 5)

	m.Record(SourceBroker, KindQuote, true, 30*time.Millisecond, "")
	m.Record(SourceBroker, KindQuote, false, 50*time.Millisecond, "timeout")
	m.Record(SourceBroker, KindOrderBuy, true, 80*time.Millisecond, "")

	s := m.Stats(SourceBroker)
	assert.Equal(t, int64(3), s.TotalCalls)
	assert.Equal(t, int64(2), s.SuccessCount)
	assert.Equal(t, int64(1), s.ErrorCount)
	assert.InDelta(t, 33.33, s.ErrorRatePct, 0.01)
	assert.Equal(t, int64(2), s.ByKind[KindQuote].Count)
	assert.Equal(t, int64(1), s.ByKind[KindQuote].Errors)
	assert.Equal(t, int64(1), s.ByKind[KindOrderBuy].Count)
}

func TestRecord_HistoryRingEvictsOldest(t *testing.T) {
	m := New(3, 5)

	for i := 0; i < 5; i++ {
		m.Record(SourceBroker, KindQuote, true, 0, fmt.Sprintf("call-%d", i))
	}

	recent := m.RecentHistory(10, SourceBroker)
	require.Len(t, recent, 3)
	assert.Equal(t, "call-2", recent[0].Error)
	assert.Equal(t, "call-4", recent[2].Error)
}

func TestRecentHistory_FiltersBySource(t *testing.T) {
	m := New(10, 5)
	m.Record(SourceBroker, KindQuote, true, 0, "")
	m.Record(SourceBridge, KindOther, true, 0, "")
	m.Record(SourceBroker, KindBalance, true, 0, "")

	recent := m.RecentHistory(10, SourceBridge)
	require.Len(t, recent, 1)
	assert.Equal(t, SourceBridge, recent[0].Source)
}

func TestReset_ClearsEverything(t *testing.T) {
	m := New(10, 5)
	m.Record(SourceBroker, KindQuote, true, 0, "")
	m.Reset()

	assert.Equal(t, int64(0), m.Stats(SourceBroker).TotalCalls)
	assert.Empty(t, m.RecentHistory(10, ""))
}

func TestRecord_SafeUnderConcurrentWriters(t *testing.T) {
	m := New(50, 20)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Record(SourceBroker, KindQuote, j%7 != 0, time.Millisecond, "")
			}
		}()
	}
	wg.Wait()

	s := m.Stats(SourceBroker)
	assert.Equal(t, int64(800), s.TotalCalls)
	assert.Equal(t, s.TotalCalls, s.SuccessCount+s.ErrorCount)
}
