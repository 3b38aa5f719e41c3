package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversInSubscriptionOrder(t *testing.T) {
	b := New()
	var got []int

	b.Subscribe(TopicTick, func(Message) { got = append(got, 1) })
	b.Subscribe(TopicTick, func(Message) { got = append(got, 2) })
	b.Subscribe(TopicTick, func(Message) { got = append(got, 3) })

	b.Publish(Tick{Instrument: "005930", Price: 71000})

	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestPublish_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	b := New()
	delivered := false

	b.Subscribe(TopicBuySignal, func(Message) { panic("boom") })
	b.Subscribe(TopicBuySignal, func(Message) { delivered = true })

	require.NotPanics(t, func() {
		b.Publish(TradeSignal{Instrument: "005930", Side: "BUY"})
	})
	assert.True(t, delivered, "second subscriber should still receive the message")
}

func TestPublish_RoutesByMessageTopic(t *testing.T) {
	b := New()
	var in, out int

	b.Subscribe(TopicConditionIn, func(Message) { in++ })
	b.Subscribe(TopicConditionOut, func(Message) { out++ })

	b.Publish(ConditionSignal{Instrument: "005930", Direction: "IN"})
	b.Publish(ConditionSignal{Instrument: "005930", Direction: "OUT"})
	b.Publish(ConditionSignal{Instrument: "005930", Direction: "IN"})

	assert.Equal(t, 2, in)
	assert.Equal(t, 1, out)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New()
	count := 0

	id := b.Subscribe(TopicTick, func(Message) { count++ })
	b.Publish(Tick{Instrument: "000660"})
	b.Unsubscribe(TopicTick, id)
	b.Publish(Tick{Instrument: "000660"})

	assert.Equal(t, 1, count)
}

func TestSubscribeUnsubscribe_SafeUnderConcurrentPublish(t *testing.T) {
	b := New()
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				b.Publish(Tick{Instrument: "005930", Price: 100, Time: time.Now()})
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			id := b.Subscribe(TopicTick, func(Message) {})
			b.Unsubscribe(TopicTick, id)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(done)
	wg.Wait()

	assert.Equal(t, 0, b.SubscriberCount(TopicTick))
}
