package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topic = "connectivity"

type testObserver struct {
	calls     int
	delivered int
	lastTopic string
	lastErr   error
}

func (o *testObserver) OnDelivered(topic, _ string, handlers int, err error, _ time.Duration) {
	o.calls++
	o.delivered += handlers
	o.lastTopic = topic
	o.lastErr = err
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	var got any
	_, err := b.SubscribeTopic(topic, "test.event", func(e Event) error {
		got = e.Data()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.PublishToTopic(topic, NewEvent("test.event", "tester", 123)))
	assert.Equal(t, 123, got)
}

func TestDeliveryFollowsSubscriptionOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		_, err := b.SubscribeTopic(topic, "ev", func(Event) error { order = append(order, i); return nil })
		require.NoError(t, err)
	}
	require.NoError(t, b.PublishToTopic(topic, NewEvent("ev", "src", nil)))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestHandlerErrorsAreJoined(t *testing.T) {
	b := New()
	errA := errors.New("a")
	errB := errors.New("b")
	_, _ = b.SubscribeTopic(topic, "x", func(Event) error { return errA })
	_, _ = b.SubscribeTopic(topic, "x", func(Event) error { return errB })

	err := b.PublishToTopic(topic, NewEvent("x", "src", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestTopicsIsolation(t *testing.T) {
	b := New()
	count1, count2 := 0, 0
	_, _ = b.SubscribeTopic("t1", "ev", func(Event) error { count1++; return nil })
	_, _ = b.SubscribeTopic("t2", "ev", func(Event) error { count2++; return nil })

	_ = b.PublishToTopic("t1", NewEvent("ev", "src", nil))
	assert.Equal(t, 1, count1)
	assert.Equal(t, 0, count2)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub, err := b.SubscribeTopic(topic, "ev", func(Event) error { count++; return nil })
	require.NoError(t, err)

	_ = b.PublishToTopic(topic, NewEvent("ev", "src", nil))
	require.NoError(t, sub.Cancel())
	require.NoError(t, sub.Cancel())
	_ = b.PublishToTopic(topic, NewEvent("ev", "src", nil))

	assert.Equal(t, 1, count)
	assert.False(t, sub.IsActive())
}

func TestCancelFromInsideHandler(t *testing.T) {
	b := New()
	count := 0
	var sub Subscription
	sub, _ = b.SubscribeTopic(topic, "ev", func(Event) error {
		count++
		return sub.Cancel()
	})

	_ = b.PublishToTopic(topic, NewEvent("ev", "src", nil))
	_ = b.PublishToTopic(topic, NewEvent("ev", "src", nil))
	assert.Equal(t, 1, count)
}

func TestCloseInvalidatesSubscriptions(t *testing.T) {
	b := New()
	sub, _ := b.SubscribeTopic(topic, "ev", func(Event) error { return nil })
	require.NoError(t, b.Close())

	assert.False(t, sub.IsActive())
	_, err := b.SubscribeTopic(topic, "ev", func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.NoError(t, b.PublishToTopic(topic, NewEvent("ev", "src", nil)))
}

func TestObserverSeesDeliveryOutcome(t *testing.T) {
	b := New()
	failure := errors.New("handler failed")
	_, _ = b.SubscribeTopic(topic, "e", func(Event) error { return nil })
	_, _ = b.SubscribeTopic(topic, "e", func(Event) error { return failure })

	obs := &testObserver{}
	b.AddObserver(obs)
	_ = b.PublishToTopic(topic, NewEvent("e", "s", nil))
	_ = b.PublishToTopic("elsewhere", NewEvent("e", "s", nil))

	assert.Equal(t, 2, obs.calls)
	assert.Equal(t, 2, obs.delivered)
	assert.Equal(t, "elsewhere", obs.lastTopic)
	assert.NoError(t, obs.lastErr)

	b.RemoveObserver(obs)
	_ = b.PublishToTopic(topic, NewEvent("e", "s", nil))
	assert.Equal(t, 2, obs.calls)
}

func TestObserverSeesHandlerError(t *testing.T) {
	b := New()
	failure := errors.New("handler failed")
	_, _ = b.SubscribeTopic(topic, "e", func(Event) error { return failure })
	obs := &testObserver{}
	b.AddObserver(obs)

	_ = b.PublishToTopic(topic, NewEvent("e", "s", nil))
	assert.ErrorIs(t, obs.lastErr, failure)
}
