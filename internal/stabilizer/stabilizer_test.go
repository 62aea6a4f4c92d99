package stabilizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWaitStabilizesOnUnchangedTree(t *testing.T) {
	orig := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = orig }()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.mkv"), []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := Wait(ctx, dir, 30*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitTimesOutOnChangingTree(t *testing.T) {
	orig, origCeiling := pollInterval, hardCeiling
	pollInterval = 5 * time.Millisecond
	setHardCeilingForTest(20 * time.Millisecond)
	defer func() {
		pollInterval = orig
		setHardCeilingForTest(origCeiling)
	}()

	dir := t.TempDir()
	stop := make(chan struct{})
	go func() {
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
				os.WriteFile(filepath.Join(dir, "a.mkv"), []byte(string(rune('a'+i%10))), 0644)
				i++
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()
	defer close(stop)

	err := Wait(context.Background(), dir, 100*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}
