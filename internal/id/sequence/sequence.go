// Package sequence generates request correlation ids from wall-clock time
// and a process-wide atomic counter.
package sequence

import (
	"strconv"
	"sync/atomic"
	"time"
)

const prefix = "req_"

type clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Generator hands out ids of the form req_<unix-ms>_<n>. The counter never
// repeats within a process, so ids stay unique even when the clock stalls or
// steps backwards.
type Generator struct {
	counter atomic.Uint64
	clock   clock
}

// New returns a Generator backed by the system clock.
func New() *Generator {
	return &Generator{clock: systemClock{}}
}

// NewWithClock returns a Generator that reads time from clk.
func NewWithClock(clk clock) *Generator {
	if clk == nil {
		clk = systemClock{}
	}
	return &Generator{clock: clk}
}

// Next returns the next correlation id.
func (g *Generator) Next() string {
	n := g.counter.Add(1)
	ms := g.clock.Now().UnixMilli()
	buf := make([]byte, 0, len(prefix)+32)
	buf = append(buf, prefix...)
	buf = strconv.AppendInt(buf, ms, 10)
	buf = append(buf, '_')
	buf = strconv.AppendUint(buf, n, 10)
	return string(buf)
}

// NewID implements search.IDGenerator. It never fails.
func (g *Generator) NewID() (string, error) {
	return g.Next(), nil
}
