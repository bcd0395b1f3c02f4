package session

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rdobrynin/avito-scrape-message/internal/site"
)

// Deduper remembers which messages were already relayed.
type Deduper interface {
	// MarkSeen records key and reports whether it was new.
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// messageNamespace scopes the name-based message IDs.
var messageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("avito-scrape-message/messages"))

// messageKey is the idempotency key of a candidate: sender, body and the
// site's own timestamp. Two identical texts from one sender at the same
// origin time are treated as one message.
func messageKey(c site.Candidate) string {
	h := sha256.New()
	for _, part := range []string{c.Sender, c.Text, c.OriginTime} {
		h.Write([]byte(strings.TrimSpace(part)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// messageID derives a stable identifier from the key so a message keeps its
// ID across scrapes.
func messageID(key string) string {
	return uuid.NewSHA1(messageNamespace, []byte(key)).String()
}

// MemoryDeduper is a bounded in-process set. The oldest key is evicted first
// once capacity is reached.
type MemoryDeduper struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewMemoryDeduper returns a set holding at most capacity keys.
func NewMemoryDeduper(capacity int) *MemoryDeduper {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryDeduper{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

func (d *MemoryDeduper) MarkSeen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[key]; ok {
		return false, nil
	}
	d.index[key] = d.order.PushBack(key)
	for d.order.Len() > d.capacity {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
	return true, nil
}

// Len is the number of remembered keys.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
