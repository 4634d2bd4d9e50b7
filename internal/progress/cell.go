package progress

import "sync"

// Cell holds the latest status rendering for one item. Writers overwrite,
// the ticker reads; nothing is queued.
type Cell struct {
	mu      sync.Mutex
	text    string
	version uint64
	closed  bool
}

func NewCell() *Cell { return &Cell{} }

// Set replaces the text. It is a no-op once the cell is closed.
func (c *Cell) Set(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || text == c.text {
		return
	}
	c.text = text
	c.version++
}

// Load returns the current text and its version.
func (c *Cell) Load() (text string, version uint64, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, c.version, c.closed
}

func (c *Cell) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
