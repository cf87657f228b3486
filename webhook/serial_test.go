package webhook

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSerializer_SameKeyRunsSerially(t *testing.T) {
	var s Serializer
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("c1", func() error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1", got)
	}
	if n := s.keys(); n != 0 {
		t.Errorf("keys after drain = %d, want 0", n)
	}
}

func TestSerializer_DifferentKeysRunInParallel(t *testing.T) {
	var s Serializer
	entered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = s.Do("c1", func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_ = s.Do("c2", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("c2 blocked behind c1")
	}
	close(release)
}

func TestSerializer_ReturnsError(t *testing.T) {
	var s Serializer
	want := errors.New("boom")
	if err := s.Do("c1", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}
