package nsq

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestConsumerDispatchFinishesMessage(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	finCh := make(chan MessageID, 1)
	broker.onFIN = func(id MessageID) { finCh <- id }

	c, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatal(err)
	}
	c.AddHandler(HandlerFunc(func(msg *Message) error { return nil }))
	if err := c.ConnectToNSQD(broker.Addr()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	waitFor(t, func() bool { return c.sessionCount() == 1 })

	var id MessageID
	copy(id[:], "0123456789abcdef")
	if err := broker.pushMessage(id, []byte("hi"), 1, time.Now().UnixNano()); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-finCh:
		if got != id {
			t.Fatalf("FIN id = %v, want %v", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a FIN for the finished message")
	}
}

func TestConsumerGivesUpAfterMaxTries(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	finCh := make(chan MessageID, 1)
	broker.onFIN = func(id MessageID) { finCh <- id }

	cfg := NewConfig()
	if err := cfg.Set("max_tries", 2); err != nil {
		t.Fatal(err)
	}
	c, err := NewConsumer("topic", "channel", cfg)
	if err != nil {
		t.Fatal(err)
	}

	var handlerCalled int32
	c.AddHandler(HandlerFunc(func(msg *Message) error {
		atomic.StoreInt32(&handlerCalled, 1)
		return nil
	}))
	var gaveUp int32
	c.SetGivingUpHandler(func(msg *Message) { atomic.StoreInt32(&gaveUp, 1) })

	if err := c.ConnectToNSQD(broker.Addr()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	waitFor(t, func() bool { return c.sessionCount() == 1 })

	var id MessageID
	copy(id[:], "ffffffffffffffff")
	if err := broker.pushMessage(id, []byte("x"), 5, time.Now().UnixNano()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-finCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the message to be auto-finished when giving up")
	}

	if atomic.LoadInt32(&handlerCalled) != 0 {
		t.Fatal("handler must not be invoked once attempts exceed max_tries")
	}
	if atomic.LoadInt32(&gaveUp) == 0 {
		t.Fatal("expected the giving-up callback to fire")
	}
}

func TestConsumerRequeueRequestHonorsDelay(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	type reqEvent struct {
		id      MessageID
		delayMS int
	}
	reqCh := make(chan reqEvent, 1)
	broker.onREQ = func(id MessageID, delayMS int) { reqCh <- reqEvent{id, delayMS} }

	c, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatal(err)
	}
	c.AddHandler(HandlerFunc(func(msg *Message) error {
		return &RequeueRequest{Delay: 250 * time.Millisecond}
	}))

	if err := c.ConnectToNSQD(broker.Addr()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	waitFor(t, func() bool { return c.sessionCount() == 1 })

	var id MessageID
	copy(id[:], "1111111111111111")
	if err := broker.pushMessage(id, []byte("x"), 1, time.Now().UnixNano()); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-reqCh:
		if ev.id != id {
			t.Fatalf("REQ id = %v, want %v", ev.id, id)
		}
		if ev.delayMS != 250 {
			t.Fatalf("REQ delay = %dms, want 250ms", ev.delayMS)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a REQ for the requeue request")
	}
}

func TestConsumerHandlerErrorRequeuesAndBackoffs(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	reqCh := make(chan MessageID, 1)
	broker.onREQ = func(id MessageID, delayMS int) { reqCh <- id }

	c, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatal(err)
	}
	c.AddHandler(HandlerFunc(func(msg *Message) error {
		return errTestHandlerFailure
	}))

	if err := c.ConnectToNSQD(broker.Addr()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	waitFor(t, func() bool { return c.sessionCount() == 1 })

	var id MessageID
	copy(id[:], "2222222222222222")
	if err := broker.pushMessage(id, []byte("x"), 1, time.Now().UnixNano()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reqCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a REQ for the failed handler")
	}

	c.mtx.RLock()
	sess := c.sessions[broker.Addr()]
	c.mtx.RUnlock()
	waitFor(t, func() bool { return sessState(atomic.LoadInt32(&sess.state)) == ssBackoff })
}

var errTestHandlerFailure = &Error{Kind: ErrKindOperational, Code: "TestFailure", Reason: "synthetic handler failure"}

func TestRedistributeRDYSaturatedRegimeSplitsEvenly(t *testing.T) {
	b1, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer b1.Close()
	b2, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()

	cfg := NewConfig()
	if err := cfg.Set("max_in_flight", 3); err != nil {
		t.Fatal(err)
	}
	c, err := NewConsumer("topic", "channel", cfg)
	if err != nil {
		t.Fatal(err)
	}
	c.AddHandler(HandlerFunc(func(msg *Message) error { return nil }))

	if err := c.ConnectToNSQD(b1.Addr()); err != nil {
		t.Fatal(err)
	}
	if err := c.ConnectToNSQD(b2.Addr()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	waitFor(t, func() bool { return c.sessionCount() == 2 })

	c.redistributeRDY()

	c.mtx.RLock()
	var total int64
	for _, s := range c.sessions {
		total += s.conn.RDY()
	}
	c.mtx.RUnlock()

	if total != 2 {
		t.Fatalf("total RDY across 2 init sessions = %d, want 2 (1 each)", total)
	}
}

func TestRedistributeRDYOversubscribedGrantsExactlyMaxInFlight(t *testing.T) {
	brokers := make([]*fakeBroker, 3)
	for i := range brokers {
		b, err := newFakeBroker()
		if err != nil {
			t.Fatal(err)
		}
		defer b.Close()
		brokers[i] = b
	}

	cfg := NewConfig()
	if err := cfg.Set("max_in_flight", 1); err != nil {
		t.Fatal(err)
	}
	c, err := NewConsumer("topic", "channel", cfg)
	if err != nil {
		t.Fatal(err)
	}
	c.AddHandler(HandlerFunc(func(msg *Message) error { return nil }))

	for _, b := range brokers {
		if err := c.ConnectToNSQD(b.Addr()); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	waitFor(t, func() bool { return c.sessionCount() == 3 })

	c.redistributeRDY()

	c.mtx.RLock()
	var total int64
	for _, s := range c.sessions {
		total += s.conn.RDY()
	}
	c.mtx.RUnlock()

	if total != 1 {
		t.Fatalf("total RDY with 3 sessions and max_in_flight=1 = %d, want 1", total)
	}
}
