package bus

import (
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func countingHandler(c *int64) EventHandler {
	return func(Event) error {
		atomic.AddInt64(c, 1)
		return nil
	}
}

type nopObserver struct{}

func (nopObserver) OnDelivered(string, string, int, error, time.Duration) {}

func BenchmarkPublishManySubscribers(b *testing.B) {
	for _, subs := range []int{1, 16, 256} {
		b.Run("subs="+strconv.Itoa(subs), func(b *testing.B) {
			bus := New()
			var c int64
			for i := 0; i < subs; i++ {
				_, _ = bus.SubscribeTopic("connectivity", "status.changed", countingHandler(&c))
			}
			e := NewEvent("status.changed", "bench", nil)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = bus.PublishToTopic("connectivity", e)
			}
		})
	}
}

func BenchmarkConcurrentPublishers(b *testing.B) {
	bus := New()
	var c int64
	for i := 0; i < 64; i++ {
		_, _ = bus.SubscribeTopic("connectivity", "status.changed", countingHandler(&c))
	}
	e := NewEvent("status.changed", "bench", nil)
	b.ReportAllocs()
	b.SetParallelism(4)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = bus.PublishToTopic("connectivity", e)
		}
	})
}

func BenchmarkObserverOverhead(b *testing.B) {
	var c int64
	e := NewEvent("status.changed", "bench", nil)
	for _, observed := range []bool{false, true} {
		b.Run("observed="+strconv.FormatBool(observed), func(b *testing.B) {
			bus := New()
			for i := 0; i < 32; i++ {
				_, _ = bus.SubscribeTopic("connectivity", "status.changed", countingHandler(&c))
			}
			if observed {
				bus.AddObserver(nopObserver{})
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = bus.PublishToTopic("connectivity", e)
			}
		})
	}
}
