package control

import (
	"context"
	"testing"
	"time"
)

func TestRetryBackoffSeconds(t *testing.T) {
	cases := []struct {
		attempt int
		want    int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 4},
		{6, 30},
		{64, 30},
	}
	for _, c := range cases {
		got := RetryBackoffSeconds(c.attempt)
		if got != c.want {
			t.Fatalf("attempt=%d got=%d want=%d", c.attempt, got, c.want)
		}
	}
	if RetryBackoff(2) != 2*time.Second {
		t.Fatalf("RetryBackoff(2) = %v", RetryBackoff(2))
	}
}

func TestSleep(t *testing.T) {
	if !Sleep(context.Background(), time.Millisecond) {
		t.Fatal("expected full sleep")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if Sleep(ctx, time.Minute) {
		t.Fatal("expected cancelled sleep")
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep did not return on cancel")
	}
	if Sleep(ctx, 0) {
		t.Fatal("zero sleep on cancelled ctx should report false")
	}
}
