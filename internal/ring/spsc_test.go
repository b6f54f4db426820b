package ring

import (
	"math/rand"
	"testing"
)

func TestRing_RoundTrip_NoOverflow(t *testing.T) {
	r := New(64)
	in := make([]float32, 10)
	for i := range in {
		in[i] = float32(i)
	}
	r.Push(in)

	out := make([]float32, 10)
	n := r.Pop(out)
	if n != 10 {
		t.Fatalf("got %d samples, want 10", n)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: got %v, want %v", i, out[i], in[i])
		}
	}
}

func TestRing_Underrun_ShortRead(t *testing.T) {
	r := New(64)
	r.Push([]float32{1, 2, 3})
	out := make([]float32, 10)
	n := r.Pop(out)
	if n != 3 {
		t.Fatalf("got %d, want 3", n)
	}
	n = r.Pop(out)
	if n != 0 {
		t.Fatalf("expected second pop to underrun to 0, got %d", n)
	}
}

// TestRing_Overflow_DropsOldestOnly verifies that pushing more than
// capacity drops only the oldest samples and that the surviving tail is
// exactly the most recent Capacity() samples, in order (spec §8 property
// 7).
func TestRing_Overflow_DropsOldestOnly(t *testing.T) {
	r := New(16) // rounds to 16
	cap := r.Capacity()

	total := cap * 3
	in := make([]float32, total)
	for i := range in {
		in[i] = float32(i)
	}
	r.Push(in)

	out := make([]float32, cap)
	n := r.Pop(out)
	if n != cap {
		t.Fatalf("got %d, want %d", n, cap)
	}
	want := in[total-cap:]
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d: got %v, want %v", i, out[i], want[i])
		}
	}
}

// TestRing_InterleavedRandomSchedule exercises random push/pop interleaving
// and checks every drained sample against a model of the unread samples in
// which an overflow drops only the oldest ones: until the first overflow the
// drained stream equals the produced stream, and afterwards it resumes at
// the oldest surviving sample (spec §8 property 7).
func TestRing_InterleavedRandomSchedule(t *testing.T) {
	r := New(32)
	capacity := r.Capacity()
	rng := rand.New(rand.NewSource(1))

	// unread is what the consumer must see next, oldest first.
	var unread, drained []float32
	next := float32(0)
	for round := 0; round < 200; round++ {
		pushN := rng.Intn(20)
		batch := make([]float32, pushN)
		for i := range batch {
			batch[i] = next
			next++
		}
		r.Push(batch)
		unread = append(unread, batch...)
		if len(unread) > capacity {
			unread = unread[len(unread)-capacity:]
		}

		popN := rng.Intn(20)
		out := make([]float32, popN)
		n := r.Pop(out)
		want := popN
		if want > len(unread) {
			want = len(unread)
		}
		if n != want {
			t.Fatalf("round %d: Pop returned %d samples, want %d", round, n, want)
		}
		for i := 0; i < n; i++ {
			if out[i] != unread[i] {
				t.Fatalf("round %d: drained %v at offset %d, want %v", round, out[i], i, unread[i])
			}
		}
		unread = unread[n:]
		drained = append(drained, out[:n]...)
	}
	// Drain whatever remains.
	for {
		out := make([]float32, 32)
		n := r.Pop(out)
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			if len(unread) == 0 || out[i] != unread[0] {
				t.Fatalf("final drain: got %v, want the oldest unread sample %v", out[i], unread)
			}
			unread = unread[1:]
		}
		drained = append(drained, out[:n]...)
	}

	if len(drained) == 0 {
		t.Fatal("expected some drained samples")
	}
	if len(unread) != 0 {
		t.Fatalf("%d samples were never drained", len(unread))
	}
}
