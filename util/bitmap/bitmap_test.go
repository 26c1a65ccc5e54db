package bitmap

import "testing"

func TestSetClearIsSetRoundTrip(t *testing.T) {
	bm := NewBits(16)

	set, err := bm.IsSet(3)
	if err != nil || set {
		t.Fatalf("expected bit 3 initially clear, got set=%v err=%v", set, err)
	}

	if err := bm.Set(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	set, err = bm.IsSet(3)
	if err != nil || !set {
		t.Fatalf("expected bit 3 set, got set=%v err=%v", set, err)
	}

	if err := bm.Clear(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	set, err = bm.IsSet(3)
	if err != nil || set {
		t.Fatalf("expected bit 3 clear again, got set=%v err=%v", set, err)
	}
}

func TestSetRejectsOutOfRangeLocation(t *testing.T) {
	bm := NewBits(8)
	if err := bm.Set(8); err == nil {
		t.Fatal("expected an error setting a bit past the bitmap's size")
	}
	if err := bm.Set(-1); err == nil {
		t.Fatal("expected an error setting a negative location")
	}
}

func TestFirstFreeFindsLowestUnsetBit(t *testing.T) {
	bm := NewBits(16)
	for i := 0; i < 5; i++ {
		if err := bm.Set(i); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := bm.FirstFree(0); got != 5 {
		t.Fatalf("FirstFree(0) = %d, want 5", got)
	}
}

func TestFirstFreeHonoursStart(t *testing.T) {
	bm := NewBits(16)
	if got := bm.FirstFree(4); got != 4 {
		t.Fatalf("FirstFree(4) = %d, want 4", got)
	}
}

func TestFirstFreeReturnsMinusOneWhenFull(t *testing.T) {
	bm := NewBits(8)
	for i := 0; i < 8; i++ {
		_ = bm.Set(i)
	}
	if got := bm.FirstFree(0); got != -1 {
		t.Fatalf("FirstFree(0) = %d, want -1", got)
	}
}

func TestFirstSetFindsLowestSetBit(t *testing.T) {
	bm := NewBits(16)
	if got := bm.FirstSet(); got != -1 {
		t.Fatalf("FirstSet() = %d, want -1 on an empty bitmap", got)
	}
	_ = bm.Set(9)
	if got := bm.FirstSet(); got != 9 {
		t.Fatalf("FirstSet() = %d, want 9", got)
	}
}

func TestFreeListGroupsContiguousFreeRuns(t *testing.T) {
	bm := NewBits(8)
	_ = bm.Set(0)
	_ = bm.Set(1)
	_ = bm.Set(4)

	got := bm.FreeList()
	want := []Contiguous{{2, 2}, {5, 3}}
	if len(got) != len(want) {
		t.Fatalf("got %d runs, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("run %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestFromBytesAndToBytesRoundTrip(t *testing.T) {
	raw := []byte{0b10110001, 0b00001111}
	bm := FromBytes(raw)
	got := bm.ToBytes()
	if len(got) != len(raw) {
		t.Fatalf("got %d bytes, want %d", len(got), len(raw))
	}
	for i := range raw {
		if got[i] != raw[i] {
			t.Fatalf("byte %d = %08b, want %08b", i, got[i], raw[i])
		}
	}
}

func TestInstanceFromBytesOverwritesContents(t *testing.T) {
	bm := NewBits(8)
	_ = bm.Set(0)
	bm.FromBytes([]byte{0x00})
	set, err := bm.IsSet(0)
	if err != nil || set {
		t.Fatalf("expected bit 0 clear after FromBytes, got set=%v err=%v", set, err)
	}
}
