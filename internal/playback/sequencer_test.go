package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink remembers play order and detects overlapping writers.
type recordingSink struct {
	mu       sync.Mutex
	played   []uint64
	active   atomic.Int32
	overlap  atomic.Bool
	hold     time.Duration
	failSeq  uint64
	acquired atomic.Int32
	released atomic.Int32
}

func (r *recordingSink) Acquire(ctx context.Context, h Header) (Writer, error) {
	if r.active.Add(1) > 1 {
		r.overlap.Store(true)
	}
	r.acquired.Add(1)
	return &recordingWriter{sink: r, header: h}, nil
}

type recordingWriter struct {
	sink   *recordingSink
	header Header
}

func (w *recordingWriter) Write(ctx context.Context, pcm []byte) error {
	if w.header.Sequence == w.sink.failSeq {
		return errors.New("device error")
	}
	if w.sink.hold > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.sink.hold):
		}
	}
	w.sink.mu.Lock()
	w.sink.played = append(w.sink.played, w.header.Sequence)
	w.sink.mu.Unlock()
	return nil
}

func (w *recordingWriter) Release() error {
	w.sink.active.Add(-1)
	w.sink.released.Add(1)
	return nil
}

func (r *recordingSink) order() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.played...)
}

func segment(seq uint64) AudioSegment {
	return AudioSegment{UtteranceID: seq * 10, Sequence: seq, PCM: []byte{0, 0}, SampleRate: 16000, Channels: 1}
}

// doneCounter hands out done callbacks and waits for all of them.
type doneCounter struct {
	wg    sync.WaitGroup
	calls atomic.Int32
}

func (d *doneCounter) fn() func() {
	d.wg.Add(1)
	var once sync.Once
	return func() {
		d.calls.Add(1)
		once.Do(d.wg.Done)
	}
}

func (d *doneCounter) wait(t *testing.T) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for segments to resolve")
	}
}

func equalOrder(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSequencerRestoresAdmissionOrder(t *testing.T) {
	sink := &recordingSink{}
	seq := NewSequencer(context.Background(), sink, testLogger())
	defer seq.Close()

	var done doneCounter
	// B completes before A.
	seq.Submit(segment(2), done.fn())
	time.Sleep(10 * time.Millisecond)
	if got := sink.order(); len(got) != 0 {
		t.Fatalf("segment 2 played before segment 1: %v", got)
	}
	seq.Submit(segment(1), done.fn())
	done.wait(t)

	if got := sink.order(); !equalOrder(got, []uint64{1, 2}) {
		t.Fatalf("expected admission order, got %v", got)
	}
}

func TestSequencerAnyCompletionOrder(t *testing.T) {
	orders := [][]uint64{
		{1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1},
		{3, 1, 5, 2, 4},
		{2, 5, 1, 4, 3},
	}
	for _, order := range orders {
		sink := &recordingSink{hold: time.Millisecond}
		seq := NewSequencer(context.Background(), sink, testLogger())
		var done doneCounter
		var wg sync.WaitGroup
		for _, n := range order {
			wg.Add(1)
			fn := done.fn()
			go func(n uint64) {
				defer wg.Done()
				seq.Submit(segment(n), fn)
			}(n)
			time.Sleep(time.Millisecond)
		}
		wg.Wait()
		done.wait(t)
		seq.Close()

		if got := sink.order(); !equalOrder(got, []uint64{1, 2, 3, 4, 5}) {
			t.Fatalf("completion order %v played as %v", order, got)
		}
		if sink.overlap.Load() {
			t.Fatalf("completion order %v overlapped on the sink", order)
		}
		if sink.acquired.Load() != sink.released.Load() {
			t.Fatalf("sink not released: %d acquired, %d released", sink.acquired.Load(), sink.released.Load())
		}
	}
}

func TestSequencerSkipUnblocksSuccessor(t *testing.T) {
	sink := &recordingSink{}
	seq := NewSequencer(context.Background(), sink, testLogger())
	defer seq.Close()

	var done doneCounter
	seq.Submit(segment(1), done.fn())
	seq.Submit(segment(3), done.fn())
	seq.Skip(2, done.fn())
	done.wait(t)

	if got := sink.order(); !equalOrder(got, []uint64{1, 3}) {
		t.Fatalf("expected 1 then 3, got %v", got)
	}
}

func TestSequencerFailureAdvances(t *testing.T) {
	sink := &recordingSink{failSeq: 1}
	var mu sync.Mutex
	var results []Result
	seq := NewSequencer(context.Background(), sink, testLogger(), WithObserver(func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}))
	defer seq.Close()

	var done doneCounter
	seq.Submit(segment(1), done.fn())
	seq.Submit(segment(2), done.fn())
	done.wait(t)

	if got := sink.order(); !equalOrder(got, []uint64{2}) {
		t.Fatalf("expected only segment 2 to play, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 || results[0].Err == nil || results[1].Err != nil {
		t.Fatalf("unexpected results %+v", results)
	}
	if sink.acquired.Load() != sink.released.Load() {
		t.Fatal("failed segment did not release the sink")
	}
}

func TestSequencerFlushDiscardsHeldAndInterrupts(t *testing.T) {
	sink := &recordingSink{hold: time.Second}
	seq := NewSequencer(context.Background(), sink, testLogger())
	defer seq.Close()

	var done doneCounter
	seq.Submit(segment(1), done.fn())
	seq.Submit(segment(3), done.fn())
	time.Sleep(20 * time.Millisecond)
	if !seq.Playing() {
		t.Fatal("expected segment 1 to be playing")
	}

	start := time.Now()
	seq.Flush(3)
	done.wait(t)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("flush did not interrupt playback")
	}
	if got := sink.order(); len(got) != 0 {
		t.Fatalf("nothing should have finished playing, got %v", got)
	}
	if seq.Next() != 4 {
		t.Fatalf("expected next sequence 4, got %d", seq.Next())
	}

	// Stale work for a flushed sequence resolves immediately without playing.
	var stale doneCounter
	seq.Submit(segment(2), stale.fn())
	stale.wait(t)

	sink.hold = 0
	var fresh doneCounter
	seq.Submit(segment(4), fresh.fn())
	fresh.wait(t)
	if got := sink.order(); !equalOrder(got, []uint64{4}) {
		t.Fatalf("expected only post-flush segment, got %v", got)
	}
}

func TestSequencerCloseResolvesHeld(t *testing.T) {
	seq := NewSequencer(context.Background(), &recordingSink{}, testLogger())
	var done doneCounter
	seq.Submit(segment(5), done.fn())
	seq.Close()
	done.wait(t)

	var late doneCounter
	seq.Submit(segment(6), late.fn())
	late.wait(t)
	seq.Close()
}
