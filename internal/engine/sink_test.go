package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/eventic/pkg/models"
)

func streamEvent(seq uint64) models.Event {
	return models.Event{
		Version:  1,
		Kind:     models.EventRequestStreamChunk,
		Sequence: seq,
		Text:     &models.TextPayload{Text: "delta"},
	}
}

func lifecycleEvent(kind models.EventKind, seq uint64) models.Event {
	return models.Event{Version: 1, Kind: kind, Sequence: seq}
}

func TestBackpressureSink_NeverDropsLifecycle(t *testing.T) {
	sink, out := NewBackpressureSink(BackpressureConfig{CriticalBuffer: 4, DroppableBuffer: 4})
	ctx := context.Background()

	const n = 64
	go func() {
		for i := uint64(0); i < n; i++ {
			sink.Emit(ctx, lifecycleEvent(models.EventRequestCompleted, i))
		}
		sink.Close()
	}()

	var got int
	for range out {
		got++
	}
	if got != n {
		t.Fatalf("delivered %d lifecycle events, want %d", got, n)
	}
	if sink.DroppedCount() != 0 {
		t.Fatalf("lifecycle events dropped: %d", sink.DroppedCount())
	}
}

func TestBackpressureSink_DropsOldestDroppable(t *testing.T) {
	// No consumer: the droppable lane fills and must shed from the head.
	sink, out := NewBackpressureSink(BackpressureConfig{CriticalBuffer: 2, DroppableBuffer: 4})
	ctx := context.Background()

	const n = 32
	for i := uint64(1); i <= n; i++ {
		sink.Emit(ctx, streamEvent(i))
	}
	if sink.DroppedCount() == 0 {
		t.Fatalf("expected drops with no consumer")
	}

	sink.Close()
	var seqs []uint64
	for e := range out {
		seqs = append(seqs, e.Sequence)
	}
	if len(seqs) == 0 {
		t.Fatalf("everything dropped; buffer contents lost")
	}
	// Oldest-first shedding: the newest event always survives.
	if seqs[len(seqs)-1] != n {
		t.Fatalf("newest event lost, last delivered seq = %d", seqs[len(seqs)-1])
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("delivered sequence not ascending: %v", seqs)
		}
	}
}

func TestBackpressureSink_CloseIdempotent(t *testing.T) {
	sink, out := NewBackpressureSink(DefaultBackpressureConfig())
	sink.Close()
	sink.Close()
	sink.Emit(context.Background(), streamEvent(1))

	select {
	case _, ok := <-out:
		if ok {
			t.Fatalf("event delivered after close")
		}
	case <-time.After(time.Second):
		t.Fatalf("output channel never closed")
	}
}

func TestBackpressureSink_EmitRacingClose(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		sink, out := NewBackpressureSink(BackpressureConfig{CriticalBuffer: 4, DroppableBuffer: 4})
		go func() {
			for range out {
			}
		}()

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(base uint64) {
				defer wg.Done()
				for j := uint64(0); j < 32; j++ {
					sink.Emit(ctx, streamEvent(base+j))
					sink.Emit(ctx, lifecycleEvent(models.EventRequestCompleted, base+j))
				}
			}(uint64(w) * 100)
		}
		sink.Close()
		wg.Wait()
	}
}

func TestChanSink_EvictsOldest(t *testing.T) {
	sink := NewChanSink(2)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		sink.Emit(ctx, streamEvent(i))
	}

	first := <-sink.Events()
	second := <-sink.Events()
	if first.Sequence != 4 || second.Sequence != 5 {
		t.Fatalf("expected newest two events, got %d and %d", first.Sequence, second.Sequence)
	}
}

func TestMultiSink_FansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	multi := NewMultiSink(a, nil, b)
	multi.Emit(context.Background(), lifecycleEvent(models.EventRequestStarted, 1))

	if len(a.kinds()) != 1 || len(b.kinds()) != 1 {
		t.Fatalf("fan-out incomplete: a=%d b=%d", len(a.kinds()), len(b.kinds()))
	}
}

func TestCallbackSink(t *testing.T) {
	var got models.EventKind
	sink := NewCallbackSink(func(_ context.Context, e models.Event) { got = e.Kind })
	sink.Emit(context.Background(), lifecycleEvent(models.EventTaskSpawned, 1))
	if got != models.EventTaskSpawned {
		t.Fatalf("callback not invoked: %v", got)
	}
}
