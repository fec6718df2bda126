package timer

import (
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestRemaining(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"before deadline", base.Add(-30 * time.Second), 30 * time.Second},
		{"at deadline", base, 0},
		{"after deadline", base.Add(5 * time.Second), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Remaining(base, tt.now); got != tt.want {
				t.Fatalf("Remaining() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemainingNonIncreasing(t *testing.T) {
	endsAt := base.Add(90 * time.Second)
	prev := Remaining(endsAt, base)
	for i := 1; i <= 120; i++ {
		cur := Remaining(endsAt, base.Add(time.Duration(i)*time.Second))
		if cur > prev {
			t.Fatalf("remaining increased at %ds: %v > %v", i, cur, prev)
		}
		if cur < 0 {
			t.Fatalf("remaining negative at %ds", i)
		}
		prev = cur
	}
}

func TestIsUp(t *testing.T) {
	if IsUp(base, base, 0) {
		t.Fatal("deadline reached exactly should not be up")
	}
	if !IsUp(base, base.Add(time.Millisecond), 0) {
		t.Fatal("deadline passed should be up")
	}
	if IsUp(base, base.Add(time.Second), 2*time.Second) {
		t.Fatal("grace period should hold the deadline open")
	}
}

func TestWindowEnd(t *testing.T) {
	tests := []struct {
		name    string
		subject time.Duration
		bounds  []*time.Time
		want    time.Time
		ok      bool
	}{
		{"subject only", time.Minute, nil, base.Add(time.Minute), true},
		{"overall tighter", 10 * time.Minute, []*time.Time{ptr(base.Add(2 * time.Minute))}, base.Add(2 * time.Minute), true},
		{"subject tighter", time.Minute, []*time.Time{ptr(base.Add(time.Hour))}, base.Add(time.Minute), true},
		{"bounds only", 0, []*time.Time{nil, ptr(base.Add(time.Hour)), ptr(base.Add(30 * time.Minute))}, base.Add(30 * time.Minute), true},
		{"unbounded", 0, []*time.Time{nil}, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := WindowEnd(base, tt.subject, tt.bounds...)
			if ok != tt.ok || !got.Equal(tt.want) {
				t.Fatalf("WindowEnd() = %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestTimeUsed(t *testing.T) {
	start := base
	end := base.Add(time.Minute)
	if got := TimeUsed(start, end, base.Add(59*time.Second)); got != 59 {
		t.Fatalf("TimeUsed() = %d, want 59", got)
	}
	if got := TimeUsed(start, end, base.Add(5*time.Minute)); got != 60 {
		t.Fatalf("TimeUsed() past deadline = %d, want 60", got)
	}
	if got := TimeUsed(start, end, base.Add(-time.Second)); got != 0 {
		t.Fatalf("TimeUsed() before start = %d, want 0", got)
	}
}
