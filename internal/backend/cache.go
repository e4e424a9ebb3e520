package backend

import "fmt"

// Role distinguishes the two cache buffers a transformer layer keeps.
type Role uint8

const (
	RoleKey Role = iota
	RoleValue
)

func (r Role) String() string {
	if r == RoleKey {
		return "key"
	}
	return "value"
}

// CacheKey addresses one per-layer recurrent buffer. Using a struct key
// instead of formatted names ("past_key_values.3.key") keeps the layer/role
// addressing explicit and ordered.
type CacheKey struct {
	Layer int
	Role  Role
}

func (k CacheKey) String() string {
	return fmt.Sprintf("layer %d %s", k.Layer, k.Role)
}

// KVCache is the recurrent state of one session: an ordered collection of
// (layer, role) buffers, each holding one fixed-width vector per cached
// position. All buffers grow and shrink in lockstep, so the cache has a
// single well-defined length in positions.
type KVCache struct {
	width   int
	entries []kvEntry
	length  int
}

type kvEntry struct {
	key  CacheKey
	data []float32
}

// NewKVCache builds an empty cache for the given layer count, with one key
// and one value buffer per layer, ordered by layer then role.
func NewKVCache(layers, width int) *KVCache {
	entries := make([]kvEntry, 0, layers*2)
	for l := 0; l < layers; l++ {
		entries = append(entries,
			kvEntry{key: CacheKey{Layer: l, Role: RoleKey}},
			kvEntry{key: CacheKey{Layer: l, Role: RoleValue}},
		)
	}
	return &KVCache{width: width, entries: entries}
}

// Len reports how many positions the cache currently covers.
func (c *KVCache) Len() int { return c.length }

// Width reports the per-position vector width.
func (c *KVCache) Width() int { return c.width }

// Keys returns the cache's addresses in their fixed order.
func (c *KVCache) Keys() []CacheKey {
	keys := make([]CacheKey, len(c.entries))
	for i, e := range c.entries {
		keys[i] = e.key
	}
	return keys
}

// Append adds one position's vector to the buffer at k. The caller appends
// to every (layer, role) buffer for each position; Append tracks the common
// length as the last buffer in the fixed order is extended.
func (c *KVCache) Append(k CacheKey, vec []float32) error {
	if len(vec) != c.width {
		return fmt.Errorf("backend: cache vector width %d, want %d", len(vec), c.width)
	}
	e := c.entry(k)
	if e == nil {
		return fmt.Errorf("backend: no cache buffer for %s", k)
	}
	if len(e.data) != c.length*c.width {
		return fmt.Errorf("backend: cache buffer %s out of step", k)
	}
	e.data = append(e.data, vec...)
	if c.isLast(k) {
		c.length++
	}
	return nil
}

// Position returns a checked view of the vector cached for position pos in
// the buffer at k.
func (c *KVCache) Position(k CacheKey, pos int) ([]float32, error) {
	e := c.entry(k)
	if e == nil {
		return nil, fmt.Errorf("backend: no cache buffer for %s", k)
	}
	limit := len(e.data) / c.width
	if pos < 0 || pos >= limit {
		return nil, fmt.Errorf("backend: position %d out of range (cached=%d)", pos, limit)
	}
	return e.data[pos*c.width : (pos+1)*c.width], nil
}

// TrimTo rolls every buffer back so the cache covers exactly n positions.
// Rolling forward is not possible; n must not exceed the current length.
func (c *KVCache) TrimTo(n int) error {
	if n < 0 || n > c.length {
		return fmt.Errorf("backend: cannot trim cache of %d positions to %d", c.length, n)
	}
	for i := range c.entries {
		keep := n * c.width
		if keep <= len(c.entries[i].data) {
			c.entries[i].data = c.entries[i].data[:keep]
		}
	}
	c.length = n
	return nil
}

// Reset drops all cached positions, keeping the buffers' capacity.
func (c *KVCache) Reset() {
	for i := range c.entries {
		c.entries[i].data = c.entries[i].data[:0]
	}
	c.length = 0
}

func (c *KVCache) entry(k CacheKey) *kvEntry {
	for i := range c.entries {
		if c.entries[i].key == k {
			return &c.entries[i]
		}
	}
	return nil
}

func (c *KVCache) isLast(k CacheKey) bool {
	return len(c.entries) > 0 && c.entries[len(c.entries)-1].key == k
}
