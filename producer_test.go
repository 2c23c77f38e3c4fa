package nsq

import (
	"testing"
	"time"
)

func TestProducerPublishRoundTrip(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	var gotTopic string
	var gotBody []byte
	broker.onPUB = func(topic string, body []byte) {
		gotTopic, gotBody = topic, body
	}

	p := NewProducer([]string{broker.Addr()}, NewConfig())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if err := p.Publish("topic", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if gotTopic != "topic" || string(gotBody) != "hello" {
		t.Fatalf("broker saw topic=%q body=%q", gotTopic, gotBody)
	}
}

func TestProducerFIFOOrderingPreserved(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	var seen []string
	broker.onPUB = func(topic string, body []byte) {
		seen = append(seen, string(body))
	}

	p := NewProducer([]string{broker.Addr()}, NewConfig())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	for i := 0; i < 5; i++ {
		if err := p.Publish("topic", []byte{byte('a' + i)}); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"a", "b", "c", "d", "e"}
	if len(seen) != len(want) {
		t.Fatalf("got %d publishes, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("publish order = %v, want %v", seen, want)
		}
	}
}

func TestProducerMultiPublishSendsAllBodies(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	var got [][]byte
	broker.onMPUB = func(topic string, bodies [][]byte) { got = bodies }

	p := NewProducer([]string{broker.Addr()}, NewConfig())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	bodies := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	if err := p.MultiPublish("topic", bodies); err != nil {
		t.Fatal(err)
	}

	if len(got) != 3 {
		t.Fatalf("broker saw %d bodies, want 3", len(got))
	}
	for i, b := range bodies {
		if string(got[i]) != string(b) {
			t.Fatalf("body[%d] = %q, want %q", i, got[i], b)
		}
	}
}

func TestProducerTryPublishFailsWhenPoolEmpty(t *testing.T) {
	p := NewProducer(nil, NewConfig())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	err := p.TryPublish("topic", []byte("x"))
	if err != ErrNoConnections {
		t.Fatalf("err = %v, want ErrNoConnections", err)
	}
}

func TestProducerDeferredPublishRejectsNegativeDelay(t *testing.T) {
	p := NewProducer(nil, NewConfig())
	err := p.DeferredPublish("topic", -time.Second, []byte("x"))
	if err == nil {
		t.Fatal("expected an error for a negative defer delay")
	}
	nsqErr, ok := err.(*Error)
	if !ok || nsqErr.Code != CodeInvalid {
		t.Fatalf("err = %v, want Code=%s", err, CodeInvalid)
	}
}

func TestPsessionFailAllResolvesAllPending(t *testing.T) {
	sess := &psession{addr: "127.0.0.1:0"}
	p1 := make(chan error, 1)
	p2 := make(chan error, 1)
	sess.enqueue(p1)
	sess.enqueue(p2)

	delegate := &producerDelegate{p: &Producer{}, sess: sess}
	testErr := &Error{Code: "E_PUB_FAILED"}
	delegate.OnError(nil, testErr)

	if err := <-p1; err != testErr {
		t.Fatalf("p1 err = %v, want %v", err, testErr)
	}
	if err := <-p2; err != testErr {
		t.Fatalf("p2 err = %v, want %v", err, testErr)
	}
}

func TestPsessionResolveHeadIsFIFO(t *testing.T) {
	sess := &psession{addr: "127.0.0.1:0"}
	p1 := make(chan error, 1)
	p2 := make(chan error, 1)
	sess.enqueue(p1)
	sess.enqueue(p2)

	sess.resolveHead(nil)
	select {
	case err := <-p1:
		if err != nil {
			t.Fatalf("p1 err = %v, want nil", err)
		}
	default:
		t.Fatal("expected p1 (the FIFO head) to resolve first")
	}
	select {
	case <-p2:
		t.Fatal("p2 should not resolve until its own response arrives")
	default:
	}
}
