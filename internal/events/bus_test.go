package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stevedore/internal/common"
)

func testBus(bufferSize, history int) *Bus {
	return NewBus(common.EventsConfig{BufferSize: bufferSize, History: history})
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := testBus(16, 16)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(common.ServiceEvent{
		Service: "pdf-extractor",
		Type:    common.EventTypeServiceStarted,
	})

	select {
	case event := <-ch:
		assert.Equal(t, "pdf-extractor", event.Service)
		assert.Equal(t, common.EventTypeServiceStarted, event.Type)
		assert.False(t, event.Timestamp.IsZero(), "timestamp should be filled in")
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBusHistory(t *testing.T) {
	bus := testBus(16, 3)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(common.ServiceEvent{
			Service: "web",
			Type:    common.EventTypeServiceRestarting,
			Attempt: i,
		})
	}

	// 历史被裁剪到容量上限，只保留最新的
	history := bus.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, 2, history[0].Attempt)
	assert.Equal(t, 4, history[2].Attempt)

	history = bus.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, 4, history[0].Attempt)
}

func TestBusSlowSubscriberDropsEvents(t *testing.T) {
	bus := testBus(1, 16)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	// 缓冲只有 1，第二条事件被丢弃而不是阻塞发布方
	done := make(chan struct{})
	go func() {
		bus.Publish(common.ServiceEvent{Service: "web", Type: common.EventTypeServiceStarted})
		bus.Publish(common.ServiceEvent{Service: "web", Type: common.EventTypeServiceExited})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	event := <-ch
	assert.Equal(t, common.EventTypeServiceStarted, event.Type)
	select {
	case extra := <-ch:
		t.Errorf("Expected second event to be dropped, got %v", extra.Type)
	default:
	}
}

func TestBusSubscribeCancel(t *testing.T) {
	bus := testBus(16, 16)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // 重复取消是安全的

	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed after cancel")
	}

	// 取消后发布不会 panic
	bus.Publish(common.ServiceEvent{Service: "web", Type: common.EventTypeServiceStopped})
}

func TestBusClose(t *testing.T) {
	bus := testBus(16, 16)
	ch, _ := bus.Subscribe()

	bus.Close()
	bus.Close() // 幂等

	if _, ok := <-ch; ok {
		t.Error("Expected subscriber channel to be closed")
	}

	// 关闭后发布被忽略
	bus.Publish(common.ServiceEvent{Service: "web", Type: common.EventTypeServiceStopped})
	assert.Empty(t, bus.History(0))
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := testBus(1024, 1024)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	const publishers = 8
	const perPublisher = 50
	for i := 0; i < publishers; i++ {
		go func(n int) {
			for j := 0; j < perPublisher; j++ {
				bus.Publish(common.ServiceEvent{
					Service: fmt.Sprintf("svc-%d", n),
					Type:    common.EventTypeServiceStarted,
				})
			}
		}(i)
	}

	received := 0
	timeout := time.After(5 * time.Second)
	for received < publishers*perPublisher {
		select {
		case <-ch:
			received++
		case <-timeout:
			t.Fatalf("received %d of %d events", received, publishers*perPublisher)
		}
	}
	assert.Len(t, bus.History(0), publishers*perPublisher)
}
