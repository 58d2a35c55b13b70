package transport

import (
	"context"
	"testing"
)

type recordingSink struct {
	connected [][]byte
	data      []Fragment
}

func (s *recordingSink) OnConnected(data []byte) {
	s.connected = append(s.connected, data)
}

func (s *recordingSink) OnDataReceived(data []byte, total uint32, flags Flag) {
	s.data = append(s.data, Fragment{Data: append([]byte(nil), data...), TotalLen: total, Flags: flags})
}

func TestLoopbackOpenRejectsBadName(t *testing.T) {
	lb := NewLoopback()
	sink := &recordingSink{}

	if _, err := lb.Open(context.Background(), 1, Definition{Name: ""}, sink); err == nil {
		t.Fatalf("expected error for empty channel name")
	}
	if _, err := lb.Open(context.Background(), 1, Definition{Name: "toolongname"}, sink); err == nil {
		t.Fatalf("expected error for channel name longer than 7 characters")
	}
}

func TestLoopbackDeliverAndWrite(t *testing.T) {
	lb := NewLoopback()
	sink := &recordingSink{}

	ch, err := lb.Open(context.Background(), 42, Definition{Name: "cliprdr"}, sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(sink.connected) != 1 {
		t.Fatalf("expected one OnConnected call, got %d", len(sink.connected))
	}

	if err := lb.Deliver(ch.Handle(), []byte("hello"), 5, FlagFirst|FlagLast); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(sink.data) != 1 || string(sink.data[0].Data) != "hello" {
		t.Fatalf("expected delivered fragment %q, got %+v", "hello", sink.data)
	}

	status, err := ch.Write([]byte("world"))
	if err != nil || status != StatusOK {
		t.Fatalf("Write: status=%v err=%v", status, err)
	}

	lc := ch.(*loopbackChannel)
	if len(lc.Sent()) != 1 || string(lc.Sent()[0]) != "world" {
		t.Fatalf("unexpected sent buffers: %+v", lc.Sent())
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close should be idempotent, got %v", err)
	}

	if _, err := ch.Write([]byte("late")); err == nil {
		t.Fatalf("expected write on closed channel to fail")
	}

	if err := lb.Deliver(ch.Handle(), []byte("late"), 4, FlagFirst|FlagLast); err == nil {
		t.Fatalf("expected delivery to closed channel to fail")
	}
}
