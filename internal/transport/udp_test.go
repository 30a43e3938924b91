package transport

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestUDPBusLoopbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus, err := NewUDPBus(UDPConfig{TTL: 1, Loopback: true, QueueLen: 16}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	binding := Binding{Kind: KindSDN, Address: "239.0.0.244", Port: 40000 + rand.IntN(20000), Name: "HEIGHT"}
	sub, err := bus.Subscribe(ctx, binding)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}

	other := binding
	other.Name = "FLUX"
	want := Frame{Channel: "HEIGHT", Seq: 7, Values: []float64{0.1, 0.2, 0.3, 0.4}}

	var got Frame
	received := false
	deadline := time.After(2 * time.Second)
	for !received {
		if err := bus.Publish(ctx, other, Frame{Channel: "FLUX", Values: []float64{9}}); err != nil {
			t.Skipf("multicast send unavailable: %v", err)
		}
		if err := bus.Publish(ctx, binding, want); err != nil {
			t.Skipf("multicast send unavailable: %v", err)
		}
		select {
		case got = <-sub.Frames():
			received = true
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Skip("no multicast loopback on this host")
		}
	}

	if got.Name != "HEIGHT" {
		t.Fatalf("frame for another name delivered: %+v", got)
	}
	if got.Seq != want.Seq || len(got.Values) != 4 || got.Values[3] != 0.4 {
		t.Errorf("frame = %+v", got)
	}

	if err := sub.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	for range sub.Frames() {
		// Drain what arrived before Close.
	}
	if _, err := bus.Subscribe(ctx, Binding{Kind: KindSDN, Address: "10.0.0.1", Port: binding.Port, Name: "HEIGHT"}); err == nil {
		t.Error("subscribed to a unicast address")
	}
}

func TestUDPBusClosed(t *testing.T) {
	bus, err := NewUDPBus(UDPConfig{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	bus.Close()
	if err := bus.Publish(context.Background(), testBinding, Frame{Values: []float64{1}}); err != ErrClosed {
		t.Errorf("publish on closed bus err = %v", err)
	}
}
