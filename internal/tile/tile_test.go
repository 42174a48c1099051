package tile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/calvinalkan/gridcalc/internal/unit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustTiling(t *testing.T, size, tileSize int64) *unit.Tiling {
	t.Helper()

	tl, err := unit.NewTiling(size, tileSize)
	if err != nil {
		t.Fatalf("NewTiling(%d, %d): %v", size, tileSize, err)
	}

	return tl
}

func Test_Array_FromSlice_Values_Returns_Elements_In_Index_Order(t *testing.T) {
	t.Parallel()

	want := []int32{5, 4, 3, 2, 1, 0, -1}
	a := FromSlice(mustTiling(t, 7, 3), want)

	if diff := cmp.Diff(want, a.Values()); diff != "" {
		t.Fatalf("Values() mismatch (-want +got):\n%s", diff)
	}

	if got := a.At(4); got != 1 {
		t.Fatalf("At(4): got=%d, want 1", got)
	}
}

func Test_Array_Each_Visits_Tiles_In_Ascending_Order(t *testing.T) {
	t.Parallel()

	a := NewArray[uint8](mustTiling(t, 10, 2))

	var ids []uint32

	err := a.Each(func(id uint32, _ []uint8) error {
		ids = append(ids, id)

		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}

	if diff := cmp.Diff([]uint32{0, 1, 2, 3, 4}, ids); diff != "" {
		t.Fatalf("Each order mismatch (-want +got):\n%s", diff)
	}
}

func Test_Array_Writers_On_Disjoint_Tiles_Do_Not_Block_Each_Other(t *testing.T) {
	t.Parallel()

	a := NewArray[uint32](mustTiling(t, 4, 2))

	w0 := a.WriteTile(0)
	defer w0.Release()

	done := make(chan struct{})

	go func() {
		w1 := a.WriteTile(1)
		w1.Data()[0] = 7
		w1.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WriteTile(1) blocked while tile 0 was write-locked")
	}

	w0.Release()
	w0.Release()

	if got := a.At(2); got != 7 {
		t.Fatalf("At(2): got=%d, want 7", got)
	}
}

func Test_Array_ReadTile_Panics_When_Id_Is_Out_Of_Range(t *testing.T) {
	t.Parallel()

	a := NewArray[uint8](mustTiling(t, 4, 2))

	defer func() {
		if recover() == nil {
			t.Fatal("ReadTile(2): want panic, got none")
		}
	}()

	a.ReadTile(2)
}

func Test_Bits_Set_Get_Roundtrip_For_All_Widths(t *testing.T) {
	t.Parallel()

	for _, width := range []uint8{1, 2, 4} {
		maxV := uint8(1)<<width - 1
		b := NewBits(width, 100)

		for i := range 100 {
			b.Set(i, uint8(i)&maxV)
		}

		for i := range 100 {
			if got := b.Get(i); got != uint8(i)&maxV {
				t.Fatalf("width %d: Get(%d): got=%d, want %d", width, i, got, uint8(i)&maxV)
			}
		}
	}
}

func Test_NewBits_Panics_When_Width_Is_Unsupported(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("NewBits(3, 1): want panic, got none")
		}
	}()

	NewBits(3, 1)
}

func Test_Runner_Run_Computes_Every_Tile_Once(t *testing.T) {
	t.Parallel()

	r, err := NewRunner(3, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	tl := mustTiling(t, 100, 7)

	var mu sync.Mutex

	seen := map[uint32]int{}

	err = r.Run(context.Background(), tl, nil, nil, func(_ context.Context, id uint32) error {
		mu.Lock()
		seen[id]++
		mu.Unlock()

		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(seen) != int(tl.Count()) {
		t.Fatalf("Run: computed %d tiles, want %d", len(seen), tl.Count())
	}

	for id, n := range seen {
		if n != 1 {
			t.Fatalf("tile %d computed %d times, want 1", id, n)
		}
	}
}

func Test_Runner_Run_Resumes_From_Checkpoint_After_Cancel(t *testing.T) {
	t.Parallel()

	r, _ := NewRunner(1, nil)
	tl := mustTiling(t, 10, 1)
	cp := NewCheckpoint(tl.Count())

	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32

	err := r.Run(ctx, tl, cp, nil, func(_ context.Context, id uint32) error {
		calls.Add(1)

		if id == 3 {
			cancel()
		}

		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run with cancel: err=%v, want %v", err, context.Canceled)
	}

	if cp.Complete() {
		t.Fatal("checkpoint complete after cancel, want partial")
	}

	firstRun := calls.Load()
	completed := cp.Completed()

	err = r.Run(context.Background(), tl, cp, nil, func(_ context.Context, id uint32) error {
		if id < 3 {
			t.Errorf("tile %d recomputed after resume", id)
		}

		calls.Add(1)

		return nil
	})
	if err != nil {
		t.Fatalf("Run resumed: %v", err)
	}

	if !cp.Complete() {
		t.Fatal("checkpoint incomplete after resumed run")
	}

	if got := calls.Load() - firstRun; got != int32(10-completed) {
		t.Fatalf("resumed run computed %d tiles, want %d", got, 10-completed)
	}
}

func Test_Runner_Run_Returns_First_Tile_Error(t *testing.T) {
	t.Parallel()

	r, _ := NewRunner(2, nil)
	boom := errors.New("boom")

	err := r.Run(context.Background(), mustTiling(t, 8, 1), nil, nil, func(_ context.Context, id uint32) error {
		if id == 5 {
			return boom
		}

		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run: err=%v, want %v", err, boom)
	}
}

func Test_Runner_Run_Waits_While_Gate_Is_Suspended(t *testing.T) {
	t.Parallel()

	r, _ := NewRunner(1, nil)
	tl := mustTiling(t, 4, 1)

	var gate Gate

	gate.Suspend()

	started := make(chan uint32, 4)
	errCh := make(chan error, 1)

	go func() {
		errCh <- r.Run(context.Background(), tl, nil, &gate, func(_ context.Context, id uint32) error {
			started <- id

			return nil
		})
	}()

	select {
	case id := <-started:
		t.Fatalf("tile %d started while gate suspended", id)
	case <-time.After(50 * time.Millisecond):
	}

	if !gate.Suspended() {
		t.Fatal("Suspended(): got=false, want true")
	}

	gate.Resume()

	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(started); got != 4 {
		t.Fatalf("tiles started after resume: got=%d, want 4", got)
	}
}

func Test_Runner_Run_Returns_Context_Error_When_Cancelled_While_Suspended(t *testing.T) {
	t.Parallel()

	r, _ := NewRunner(1, nil)

	var gate Gate

	gate.Suspend()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Run(ctx, mustTiling(t, 4, 1), nil, &gate, func(context.Context, uint32) error {
		t.Error("tile computed while gate suspended")

		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run: err=%v, want %v", err, context.DeadlineExceeded)
	}
}

func Test_RunResumable_Keeps_Finished_Tiles_Across_Cancelled_Attempts(t *testing.T) {
	t.Parallel()

	r, _ := NewRunner(1, nil)
	tl := mustTiling(t, 6, 1)
	p := NewProgress(nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := make([]int, tl.Count())

	square := func(_ context.Context, id uint32) (int, error) {
		calls[id]++

		if id == 2 && calls[id] == 1 {
			cancel()

			return 0, context.Canceled
		}

		return int(id * id), nil
	}

	if _, err := RunResumable(ctx, r, tl, p, "square", square); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunResumable with cancel: err=%v, want %v", err, context.Canceled)
	}

	if got := p.Completed("square"); got != 2 {
		t.Fatalf("Completed after cancel: got=%d, want 2", got)
	}

	got, err := RunResumable(context.Background(), r, tl, p, "square", square)
	if err != nil {
		t.Fatalf("RunResumable resumed: %v", err)
	}

	if diff := cmp.Diff([]int{0, 1, 4, 9, 16, 25}, got); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{1, 1, 2, 1, 1, 1}, calls); diff != "" {
		t.Fatalf("per-tile calls mismatch (-want +got):\n%s", diff)
	}
}

func Test_RunResumable_Restarts_Step_When_Tiling_Changes(t *testing.T) {
	t.Parallel()

	r, _ := NewRunner(2, nil)
	p := NewProgress(nil)

	var calls atomic.Int32

	count := func(_ context.Context, id uint32) (uint32, error) {
		calls.Add(1)

		return id, nil
	}

	if _, err := RunResumable(context.Background(), r, mustTiling(t, 8, 2), p, "ids", count); err != nil {
		t.Fatalf("RunResumable: %v", err)
	}

	got, err := RunResumable(context.Background(), r, mustTiling(t, 8, 4), p, "ids", count)
	if err != nil {
		t.Fatalf("RunResumable retiled: %v", err)
	}

	if diff := cmp.Diff([]uint32{0, 1}, got); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}

	if got := calls.Load(); got != 6 {
		t.Fatalf("tile calls: got=%d, want 6", got)
	}
}

func Test_RunResumable_Recomputes_Every_Tile_When_Progress_Is_Nil(t *testing.T) {
	t.Parallel()

	r, _ := NewRunner(2, nil)
	tl := mustTiling(t, 5, 2)

	var calls atomic.Int32

	for range 2 {
		_, err := RunResumable(context.Background(), r, tl, nil, "any", func(context.Context, uint32) (struct{}, error) {
			calls.Add(1)

			return struct{}{}, nil
		})
		if err != nil {
			t.Fatalf("RunResumable: %v", err)
		}
	}

	if got := calls.Load(); got != 6 {
		t.Fatalf("tile calls: got=%d, want 6", got)
	}
}

func Test_NewRunner_Rejects_Non_Positive_Workers(t *testing.T) {
	t.Parallel()

	if _, err := NewRunner(0, nil); !errors.Is(err, ErrInvalidWorkers) {
		t.Fatalf("NewRunner(0): err=%v, want %v", err, ErrInvalidWorkers)
	}
}
