package turn

import (
	"sync"
	"testing"
)

func TestGenerator_Next(t *testing.T) {
	g := NewGenerator()

	if got := g.Next("sess"); got != "sess-turn-1" {
		t.Errorf("expected sess-turn-1, got %s", got)
	}
	if got := g.Next("sess"); got != "sess-turn-2" {
		t.Errorf("expected sess-turn-2, got %s", got)
	}
}

func TestGenerator_Concurrent(t *testing.T) {
	g := NewGenerator()
	seen := sync.Map{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.Next("s")
			if _, dup := seen.LoadOrStore(id, true); dup {
				t.Errorf("duplicate id %s", id)
			}
		}()
	}
	wg.Wait()
}
