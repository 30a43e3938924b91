package transport

import (
	"context"
	"testing"
	"time"
)

var testBinding = Binding{Kind: KindSDN, Address: "239.0.0.244", Port: 5000, Name: "HEIGHT"}

func TestBindingValidate(t *testing.T) {
	tests := []struct {
		name    string
		binding Binding
		ok      bool
	}{
		{"valid", testBinding, true},
		{"wrong kind", Binding{Kind: "TCP", Address: "239.0.0.1", Port: 1, Name: "x"}, false},
		{"ipv6", Binding{Kind: KindSDN, Address: "ff02::1", Port: 1, Name: "x"}, false},
		{"bad address", Binding{Kind: KindSDN, Address: "nope", Port: 1, Name: "x"}, false},
		{"port zero", Binding{Kind: KindSDN, Address: "239.0.0.1", Port: 0, Name: "x"}, false},
		{"port too high", Binding{Kind: KindSDN, Address: "239.0.0.1", Port: 70000, Name: "x"}, false},
		{"no name", Binding{Kind: KindSDN, Address: "239.0.0.1", Port: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.binding.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
	if got := testBinding.String(); got != "SDN://239.0.0.244:5000/HEIGHT" {
		t.Errorf("String() = %q", got)
	}
}

func TestFrameCodec(t *testing.T) {
	in := Frame{Name: "FLUX", Channel: "FLUX", Seq: 42, Stamp: 1700000000123456789, Values: []float64{0.5, -1, 3e8}}
	data, err := EncodeFrame(in)
	if err != nil {
		t.Fatal(err)
	}
	again, err := EncodeFrame(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(again) {
		t.Error("encoding is not deterministic")
	}

	out, err := DecodeFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.Name != in.Name || out.Seq != in.Seq || out.Stamp != in.Stamp || len(out.Values) != 3 || out.Values[2] != 3e8 {
		t.Errorf("decoded %+v", out)
	}

	if _, err := DecodeFrame([]byte{0xff, 0x00}); err == nil {
		t.Error("garbage decoded without error")
	}
}

func receive(t *testing.T, sub Subscription) Frame {
	t.Helper()
	select {
	case f, ok := <-sub.Frames():
		if !ok {
			t.Fatal("subscription closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	return Frame{}
}

func TestMemoryBusFiltersByName(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(4)
	defer bus.Close()

	height, err := bus.Subscribe(ctx, testBinding)
	if err != nil {
		t.Fatal(err)
	}
	other := testBinding
	other.Name = "FLUX"
	flux, err := bus.Subscribe(ctx, other)
	if err != nil {
		t.Fatal(err)
	}

	if err := bus.Publish(ctx, testBinding, Frame{Seq: 1, Values: []float64{1, 2, 3, 4}}); err != nil {
		t.Fatal(err)
	}
	if f := receive(t, height); f.Name != "HEIGHT" || f.Seq != 1 {
		t.Errorf("frame = %+v", f)
	}
	select {
	case f := <-flux.Frames():
		t.Errorf("FLUX subscriber got %+v", f)
	default:
	}
}

func TestMemoryBusDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(2)
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, testBinding)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, testBinding, Frame{Seq: uint64(i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if n := len(sub.Frames()); n != 2 {
		t.Errorf("queued %d frames, want 2", n)
	}
}

func TestMemoryBusPublisherValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(1)
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, testBinding)
	if err != nil {
		t.Fatal(err)
	}
	values := []float64{1}
	bus.Publish(ctx, testBinding, Frame{Values: values})
	values[0] = 99
	if f := receive(t, sub); f.Values[0] != 1 {
		t.Errorf("subscriber saw publisher mutation: %v", f.Values)
	}
}

func TestMemoryBusClose(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(1)

	sub, err := bus.Subscribe(ctx, testBinding)
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Frames(); ok {
		t.Error("closed subscription delivered a frame")
	}
	sub.Close()

	sub2, _ := bus.Subscribe(ctx, testBinding)
	bus.Close()
	if _, ok := <-sub2.Frames(); ok {
		t.Error("subscription open after bus close")
	}
	if err := bus.Publish(ctx, testBinding, Frame{}); err != ErrClosed {
		t.Errorf("publish after close err = %v", err)
	}
	if _, err := bus.Subscribe(ctx, testBinding); err != ErrClosed {
		t.Errorf("subscribe after close err = %v", err)
	}
}
