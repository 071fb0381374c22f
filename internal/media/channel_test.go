package media

import (
	"sync/atomic"
	"testing"
	"time"
)

type testBuffer struct {
	data     []byte
	released atomic.Int32
}

func (b *testBuffer) Data() []byte     { return b.data }
func (b *testBuffer) Length() int64    { return int64(len(b.data)) }
func (b *testBuffer) Timestamp() int64 { return 0 }
func (b *testBuffer) Release()         { b.released.Add(1) }

func TestHandlerSlotDeliverWithoutHandlerReleases(t *testing.T) {
	var slot HandlerSlot
	buf := &testBuffer{data: []byte{1}}

	if slot.Deliver(1, buf) {
		t.Fatal("expected Deliver to report no handler")
	}
	if got := buf.released.Load(); got != 1 {
		t.Fatalf("released = %d, want 1", got)
	}
}

func TestHandlerSlotDisposeWaitsForInFlight(t *testing.T) {
	var slot HandlerSlot
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var finished atomic.Bool

	reg := slot.Set(func(_ int, buf Buffer) {
		defer buf.Release()
		close(entered)
		<-unblock
		finished.Store(true)
	})

	go slot.Deliver(1, &testBuffer{})
	<-entered

	disposed := make(chan struct{})
	go func() {
		reg.Dispose()
		close(disposed)
	}()

	select {
	case <-disposed:
		t.Fatal("Dispose returned while handler was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(unblock)
	<-disposed
	if !finished.Load() {
		t.Fatal("handler did not finish before Dispose returned")
	}

	buf := &testBuffer{}
	if slot.Deliver(1, buf) {
		t.Fatal("handler invoked after Dispose")
	}
}

func TestHandlerSlotStaleRegistrationKeepsNewHandler(t *testing.T) {
	var slot HandlerSlot
	first := slot.Set(func(int, Buffer) {})
	var calls atomic.Int32
	slot.Set(func(_ int, buf Buffer) {
		calls.Add(1)
		buf.Release()
	})

	first.Dispose()
	first.Dispose()

	if !slot.Deliver(2, &testBuffer{}) {
		t.Fatal("expected second handler to stay installed")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestSpeakerSlotDispose(t *testing.T) {
	var slot SpeakerSlot
	var got []uint32
	reg := slot.Set(func(msi uint32) { got = append(got, msi) })

	slot.Deliver(7)
	reg.Dispose()
	slot.Deliver(8)

	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("got %v, want [7]", got)
	}
}

type countingObserver struct {
	added int
}

func (o *countingObserver) ParticipantAdded(Participant)               { o.added++ }
func (o *countingObserver) ParticipantRemoved(Participant)             {}
func (o *countingObserver) ParticipantUpdated(Participant, Participant) {}

func TestObserversEachSkipsDisposed(t *testing.T) {
	var obs Observers
	a, b := &countingObserver{}, &countingObserver{}
	regA := obs.Observe(a)
	obs.Observe(b)

	obs.Each(func(o RosterObserver) { o.ParticipantAdded(Participant{ID: "x"}) })
	regA.Dispose()
	obs.Each(func(o RosterObserver) { o.ParticipantAdded(Participant{ID: "y"}) })

	if a.added != 1 || b.added != 2 {
		t.Fatalf("added = %d/%d, want 1/2", a.added, b.added)
	}
}
