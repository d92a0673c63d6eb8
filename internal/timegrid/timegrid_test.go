package timegrid

import (
	"testing"
	"time"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestFloor(t *testing.T) {
	cases := []struct {
		in      string
		seconds int64
		want    string
	}{
		{"2025-11-17T22:29:37Z", 60, "2025-11-17T22:29:00Z"},
		{"2025-11-17T22:29:00Z", 60, "2025-11-17T22:29:00Z"},
		{"2025-11-17T22:29:59Z", 60, "2025-11-17T22:29:00Z"},
		{"2025-11-17T22:29:37Z", 300, "2025-11-17T22:25:00Z"},
		{"2025-11-17T22:29:37Z", 3600, "2025-11-17T22:00:00Z"},
		{"2025-11-17T22:29:37Z", 86400, "2025-11-17T00:00:00Z"},
	}
	for _, c := range cases {
		got := Floor(ts(c.in), c.seconds)
		if !got.Equal(ts(c.want)) {
			t.Errorf("Floor(%s, %d) = %s, want %s", c.in, c.seconds, got, c.want)
		}
	}
}

// An observation exactly on a boundary belongs to that boundary's interval,
// not the previous one.
func TestFloorBoundary(t *testing.T) {
	exact := ts("2025-11-17T22:01:00Z")
	if got := Floor(exact, 60); !got.Equal(exact) {
		t.Errorf("Floor at exact boundary = %s, want %s", got, exact)
	}
}

func TestNext(t *testing.T) {
	got := Next(ts("2025-11-17T22:29:37Z"), 60)
	want := ts("2025-11-17T22:30:00Z")
	if !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}
	// Next from an exact boundary advances a full interval.
	got = Next(ts("2025-11-17T22:29:00Z"), 60)
	if !got.Equal(want) {
		t.Errorf("Next from boundary = %s, want %s", got, want)
	}
}

func TestAligned(t *testing.T) {
	if !Aligned(ts("2025-11-17T22:29:00Z"), 60) {
		t.Error("expected 22:29:00 aligned to 60s")
	}
	if Aligned(ts("2025-11-17T22:29:30Z"), 60) {
		t.Error("expected 22:29:30 not aligned to 60s")
	}
	if Aligned(ts("2025-11-17T22:29:00Z").Add(time.Millisecond), 60) {
		t.Error("expected sub-second offset not aligned")
	}
}

func TestTicks(t *testing.T) {
	got := Ticks(ts("2025-11-17T22:29:10Z"), ts("2025-11-17T22:32:00Z"), 60)
	want := []string{"2025-11-17T22:29:00Z", "2025-11-17T22:30:00Z", "2025-11-17T22:31:00Z"}
	if len(got) != len(want) {
		t.Fatalf("got %d ticks, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(ts(want[i])) {
			t.Errorf("tick %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFloorPreEpoch(t *testing.T) {
	in := time.Unix(-90, 0).UTC()
	got := Floor(in, 60)
	if got.Unix() != -120 {
		t.Errorf("Floor(-90s, 60) = %d, want -120", got.Unix())
	}
}
