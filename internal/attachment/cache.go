package attachment

import (
	"container/list"
	"os"
	"path/filepath"
	"sync"
)

// cacheEntry is the value stored at each list.Element.
type cacheEntry struct {
	key  string
	data []byte
	path string // set once spilled to disk
}

// twoTierCache holds recently fetched attachment bodies in memory up to
// memLimit bytes total; entries evicted from memory are spilled to diskDir
// rather than dropped, and re-read from disk on a miss before re-fetching.
type twoTierCache struct {
	mu       sync.Mutex
	memLimit int64
	memUsed  int64
	order    *list.List
	index    map[string]*list.Element
	diskDir  string
}

func newTwoTierCache(memLimit int64, diskDir string) *twoTierCache {
	return &twoTierCache{
		memLimit: memLimit,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		diskDir:  diskDir,
	}
}

// get returns cached bytes for key, checking memory first, then disk.
func (c *twoTierCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		c.order.MoveToFront(el)
		entry := el.Value.(*cacheEntry)
		if entry.data != nil {
			data := entry.data
			c.mu.Unlock()
			return data, true
		}
		path := entry.path
		c.mu.Unlock()
		if path == "" {
			return nil, false
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false
		}
		return data, true
	}
	c.mu.Unlock()
	return nil, false
}

// put inserts data under key, evicting the least-recently-used memory
// entries to disk as needed to stay under memLimit.
func (c *twoTierCache) put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.order.MoveToFront(el)
		entry := el.Value.(*cacheEntry)
		if entry.data != nil {
			c.memUsed -= int64(len(entry.data))
		}
		entry.data = data
		entry.path = ""
		c.memUsed += int64(len(data))
	} else {
		entry := &cacheEntry{key: key, data: data}
		el := c.order.PushFront(entry)
		c.index[key] = el
		c.memUsed += int64(len(data))
	}

	for c.memUsed > c.memLimit {
		el := c.order.Back()
		if el == nil {
			break
		}
		entry := el.Value.(*cacheEntry)
		if entry.data == nil {
			c.order.Remove(el)
			delete(c.index, entry.key)
			continue
		}
		c.memUsed -= int64(len(entry.data))
		if c.diskDir != "" {
			if path, err := c.spill(entry.key, entry.data); err == nil {
				entry.path = path
				entry.data = nil
				continue
			}
		}
		c.order.Remove(el)
		delete(c.index, entry.key)
	}
}

func (c *twoTierCache) spill(key string, data []byte) (string, error) {
	if err := os.MkdirAll(c.diskDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(c.diskDir, sanitizeKey(key))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
