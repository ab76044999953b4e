package events

import "testing"

func TestEmitterDeliversByType(t *testing.T) {
	e := NewEmitter()
	var rounds, all int
	e.Subscribe(EventRoundEnd, func(Event) { rounds++ })
	e.SubscribeAll(func(Event) { all++ })

	e.Emit(Event{Type: EventRoundEnd})
	e.Emit(Event{Type: EventMatchCreated})

	if rounds != 1 {
		t.Errorf("round_end handler: got %d calls want 1", rounds)
	}
	if all != 2 {
		t.Errorf("catch-all handler: got %d calls want 2", all)
	}
}

func TestEmitterRecoversPanics(t *testing.T) {
	e := NewEmitter()
	called := false
	e.Subscribe(EventRoundEnd, func(Event) { panic("boom") })
	e.Subscribe(EventRoundEnd, func(Event) { called = true })

	e.Emit(Event{Type: EventRoundEnd})
	if !called {
		t.Error("handler after a panicking one should still run")
	}
}

func TestEmitterCancel(t *testing.T) {
	e := NewEmitter()
	var n int
	cancel := e.SubscribeAll(func(Event) { n++ })
	e.Emit(Event{Type: EventMatchJoined})
	cancel()
	cancel()
	e.Emit(Event{Type: EventMatchJoined})
	if n != 1 {
		t.Errorf("calls after cancel: got %d want 1", n)
	}
}
