package turn

import (
	"fmt"
	"sync/atomic"
)

// Generator hands out turn ids unique within one process.
type Generator struct {
	counter uint64
}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Next(sessionId string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-turn-%d", sessionId, n)
}
