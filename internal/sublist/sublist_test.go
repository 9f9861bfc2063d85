package sublist

import (
	"testing"

	"nuha.dev/fieldsync/internal/location"
)

type mockSub struct {
	closed bool
	got    []location.Position
}

func (m *mockSub) Push(p location.Position) bool {
	if m.closed {
		return true
	}
	m.got = append(m.got, p)
	return false
}

func TestSend(t *testing.T) {
	subs := NewSublist()
	a, b := &mockSub{}, &mockSub{}
	subs.Subscribe(a)
	subs.Subscribe(b)
	subs.Send(location.Position{Latitude: 1, Longitude: 2})
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatal("position not delivered to every subscriber")
	}
}

func TestPruneClosed(t *testing.T) {
	subs := NewSublist()
	for i := 0; i < 10; i++ {
		subs.Subscribe(&mockSub{})
	}
	bad := &mockSub{}
	subs.Subscribe(bad)
	bad.closed = true
	subs.Send(location.Position{})
	if subs.Len() != 10 {
		t.Errorf("expected closed subscriber pruned, have %d", subs.Len())
	}
}

func TestReplayOnSubscribe(t *testing.T) {
	subs := NewSublist()
	subs.Send(location.Position{Latitude: 45, Longitude: 15})
	late := &mockSub{}
	subs.Subscribe(late)
	if len(late.got) != 1 || late.got[0].Latitude != 45 {
		t.Fatal("late subscriber did not get last position")
	}
	subs.Forget()
	later := &mockSub{}
	subs.Subscribe(later)
	if len(later.got) != 0 {
		t.Error("position replayed after Forget")
	}
}

func TestUnsubscribe(t *testing.T) {
	subs := NewSublist()
	a := &mockSub{}
	subs.Subscribe(a)
	subs.Unsubscribe(a)
	subs.Send(location.Position{})
	if len(a.got) != 0 {
		t.Error("unsubscribed subscriber received position")
	}
}

type nopSub struct{ n int }

func (s *nopSub) Push(p location.Position) bool {
	s.n++
	return false
}

func BenchmarkSend(b *testing.B) {
	subs := NewSublist()
	for i := 0; i < 100; i++ {
		subs.Subscribe(&nopSub{})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		subs.Send(location.Position{Latitude: 1})
	}
}
