package randompick

import (
	"container/list"
	"sync"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// DedupOptions configures the in-process recency window and its penalties.
// Dedup is a soft signal applied to scoring, never a hard filter.
type DedupOptions struct {
	Window        time.Duration
	ImagePenalty  float64 // multiplier applied when the exact image was seen within Window
	AuthorPenalty float64 // multiplier applied when the author was seen within Window
	Capacity      int     // max tracked entries per kind before oldest are evicted
}

// DefaultDedupOptions returns the service defaults.
func DefaultDedupOptions() DedupOptions {
	return DedupOptions{
		Window:        30 * time.Minute,
		ImagePenalty:  0.1,
		AuthorPenalty: 0.5,
		Capacity:      2048,
	}
}

type seenEntry struct {
	key  int64
	seen time.Time
}

// Dedup is an in-process LRU of recently-picked image and author ids, used
// to penalize (not exclude) repeats during quality-strategy scoring.
type Dedup struct {
	opts DedupOptions

	mu        sync.Mutex
	images    *list.List
	imageIdx  map[int64]*list.Element
	authors   *list.List
	authorIdx map[int64]*list.Element
}

// NewDedup builds an empty Dedup tracker.
func NewDedup(opts DedupOptions) *Dedup {
	if opts.Capacity <= 0 {
		opts = DefaultDedupOptions()
	}
	return &Dedup{
		opts:      opts,
		images:    list.New(),
		imageIdx:  make(map[int64]*list.Element),
		authors:   list.New(),
		authorIdx: make(map[int64]*list.Element),
	}
}

// Penalty returns the multiplicative scoring penalty for img given what has
// recently been observed, without recording it.
func (d *Dedup) Penalty(img *models.Image, now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	penalty := 1.0
	if el, ok := d.imageIdx[img.ID]; ok {
		if entry := el.Value.(*seenEntry); now.Sub(entry.seen) < d.opts.Window {
			penalty *= d.opts.ImagePenalty
		}
	}
	if img.UserID != nil {
		if el, ok := d.authorIdx[*img.UserID]; ok {
			if entry := el.Value.(*seenEntry); now.Sub(entry.seen) < d.opts.Window {
				penalty *= d.opts.AuthorPenalty
			}
		}
	}
	return penalty
}

// Observe records img as having just been picked.
func (d *Dedup) Observe(img *models.Image, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.touch(d.images, d.imageIdx, img.ID, now)
	if img.UserID != nil {
		d.touch(d.authors, d.authorIdx, *img.UserID, now)
	}
}

func (d *Dedup) touch(l *list.List, idx map[int64]*list.Element, key int64, now time.Time) {
	if el, ok := idx[key]; ok {
		el.Value.(*seenEntry).seen = now
		l.MoveToFront(el)
		return
	}
	el := l.PushFront(&seenEntry{key: key, seen: now})
	idx[key] = el
	for l.Len() > d.opts.Capacity {
		oldest := l.Back()
		if oldest == nil {
			break
		}
		l.Remove(oldest)
		delete(idx, oldest.Value.(*seenEntry).key)
	}
}
