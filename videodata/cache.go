package videodata

import (
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// ClipCache keeps recently decoded videos in memory, keyed by path. It is
// safe for concurrent use and is shared between the training loader and the
// batch-norm recalibration loader, which revisit the same videos.
type ClipCache struct {
	cache *lru.Cache[string, []image.Image]
}

// NewClipCache creates a cache holding up to size decoded videos. size <= 0
// disables caching.
func NewClipCache(size int) (*ClipCache, error) {
	if size <= 0 {
		return &ClipCache{}, nil
	}
	cache, err := lru.New[string, []image.Image](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create clip cache")
	}
	return &ClipCache{cache: cache}, nil
}

func (c *ClipCache) get(path string) ([]image.Image, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}
	return c.cache.Get(path)
}

func (c *ClipCache) add(path string, frames []image.Image) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Add(path, frames)
}

// Len returns the number of cached videos.
func (c *ClipCache) Len() int {
	if c == nil || c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
