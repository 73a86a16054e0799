package formula

import (
	"math/bits"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultParseCacheSize is used when a non-positive size is requested.
const DefaultParseCacheSize = 1024

type cacheKey struct {
	bucket int
	text   string
}

// ParseCache memoizes parsed formulas by text, qualified by a length bucket.
// Parsed formulas are immutable, so cached results are shared. Failed parses
// are not cached.
type ParseCache struct {
	parser *Parser
	cache  *lru.Cache[cacheKey, *Formula]
	hits   atomic.Int64
	misses atomic.Int64
}

func NewParseCache(p *Parser, size int) (*ParseCache, error) {
	if size <= 0 {
		size = DefaultParseCacheSize
	}
	c, err := lru.New[cacheKey, *Formula](size)
	if err != nil {
		return nil, err
	}
	return &ParseCache{parser: p, cache: c}, nil
}

func (c *ParseCache) Parse(text string) (*Formula, error) {
	key := cacheKey{bucket: bits.Len(uint(len(text))), text: text}
	if f, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return f, nil
	}
	c.misses.Add(1)
	f, err := c.parser.Parse(text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, f)
	return f, nil
}

// Stats returns hit and miss counters.
func (c *ParseCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
