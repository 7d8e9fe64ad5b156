package mentions

import (
	"strings"
	"sync"
)

// Cache holds rooms learned from remote searches, unique by id. It is scoped
// to one tracked trigger kind and emptied when the kind changes or tracking
// stops.
type Cache struct {
	mu    sync.Mutex
	rooms []RoomTarget
	index map[string]int
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{index: make(map[string]int)}
}

// Match returns cached rooms whose name contains keyword, ignoring case.
func (c *Cache) Match(keyword string) []RoomTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	needle := strings.ToLower(keyword)
	matches := make([]RoomTarget, 0, len(c.rooms))
	for _, room := range c.rooms {
		if strings.Contains(strings.ToLower(room.Name), needle) {
			matches = append(matches, room)
		}
	}
	return matches
}

// Merge adds rooms that are not cached yet; known ids take the newer name.
func (c *Cache) Merge(found []RoomTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, room := range found {
		if room.ID == "" {
			continue
		}
		if position, ok := c.index[room.ID]; ok {
			c.rooms[position] = room
			continue
		}
		c.index[room.ID] = len(c.rooms)
		c.rooms = append(c.rooms, room)
	}
}

// Invalidate empties the cache.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = nil
	c.index = make(map[string]int)
}

// Len reports the number of cached rooms.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}
