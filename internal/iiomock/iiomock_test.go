package iiomock

import (
	"context"
	"testing"
)

func TestCreateBufferReconcilesMask(t *testing.T) {
	ch0 := NewChannel(0)
	ch1 := NewChannel(1)
	ch2 := NewChannel(2)
	dev := NewDevice("iio:device0", nil, nil, []*Channel{ch0, ch1, ch2})

	buf, updated, err := dev.CreateBuffer(context.Background(), 0, []byte{0x03, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if len(updated) != 4 || updated[0] != 0x03 {
		t.Errorf("expected mask round-trip 03 00 00 00, got %v", updated)
	}
	if !ch0.Enabled() || !ch1.Enabled() || ch2.Enabled() {
		t.Errorf("expected channels 0,1 enabled and 2 disabled")
	}
	if buf == nil {
		t.Fatal("expected non-nil buffer")
	}
}

func TestCyclicExclusivity(t *testing.T) {
	dev := NewDevice("iio:device0", nil, nil, []*Channel{NewChannel(0)})

	buf, _, err := dev.CreateBuffer(context.Background(), 0, []byte{0x01, 0, 0, 0})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	mb := buf.(*Buffer)
	block, err := mb.CreateBlock(64)
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if err := block.Enqueue(context.Background(), 64, true); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, _, err := dev.CreateBuffer(context.Background(), 0, []byte{0x01, 0, 0, 0}); err == nil {
		t.Error("expected second cyclic CreateBuffer on same (dev,idx) to fail")
	}

	if err := mb.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, _, err := dev.CreateBuffer(context.Background(), 0, []byte{0x01, 0, 0, 0}); err != nil {
		t.Errorf("expected CreateBuffer to succeed after cyclic buffer destroyed, got %v", err)
	}
}

func TestBlockDequeueProducesData(t *testing.T) {
	dev := NewDevice("iio:device0", nil, nil, []*Channel{NewChannel(0)})
	buf, _, err := dev.CreateBuffer(context.Background(), 0, []byte{0x01, 0, 0, 0})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if err := buf.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	block, err := buf.CreateBlock(16)
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if err := block.Enqueue(context.Background(), 16, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	n, err := block.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if n != 16 {
		t.Errorf("expected 16 bytes dequeued, got %d", n)
	}
}

func TestAttributeReadWrite(t *testing.T) {
	attr := NewAttribute("sampling_frequency", []byte("1000"))

	buf := make([]byte, 16)
	n, err := attr.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "1000" {
		t.Errorf("expected 1000, got %q", buf[:n])
	}

	if _, err := attr.Write([]byte("2000")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, _ = attr.Read(buf)
	if string(buf[:n]) != "2000" {
		t.Errorf("expected 2000 after write, got %q", buf[:n])
	}
	if attr.ReadCalls != 2 || attr.WriteCalls != 1 {
		t.Errorf("expected 2 reads and 1 write, got reads=%d writes=%d", attr.ReadCalls, attr.WriteCalls)
	}
}

func TestEventStreamClose(t *testing.T) {
	stream := NewEventStream(0)
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := stream.ReadEvent(context.Background()); err == nil {
		t.Error("expected ReadEvent to fail after Close")
	}
}
