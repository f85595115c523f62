package ocr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"
)

// DefaultMemoryCapacity bounds the in-memory tier.
const DefaultMemoryCapacity = 512

// DiskDirName is the per-workdir directory holding page documents.
const DiskDirName = "ocr"

// hashKey is the fixed HighwayHash key. The hash only routes LRU entries;
// each entry also carries its exact key, verified on every hit, so the key
// needs no secrecy.
var hashKey = func() []byte {
	var k = make([]byte, 32)
	copy(k, "paperflow-ocr-memory-cache-key.0")
	return k
}()

// CacheConfig tunes the two-tier cache.
type CacheConfig struct {
	// MemoryEnabled gates the in-memory LRU tier.
	MemoryEnabled bool
	// MemoryCapacity caps the LRU entry count (DefaultMemoryCapacity if 0).
	MemoryCapacity int
	// Pretty writes indented JSON documents for easier manual inspection.
	Pretty bool
	// MaxChars truncates non-text block content during normalization.
	MaxChars int
}

type memoryEntry struct {
	key string // exact "{workdir}|{pageID}", guards against hash collisions
	doc *PageDoc
}

// Cache is the two-tier page-document cache. The disk tier is authoritative;
// the memory tier only saves the re-read and re-decode of hot documents.
type Cache struct {
	cfg    CacheConfig
	memory *lru.Cache[uint64, memoryEntry]
}

// NewCache builds a Cache. The memory tier is created only when enabled.
func NewCache(cfg CacheConfig) *Cache {
	var c = &Cache{cfg: cfg}
	if cfg.MemoryEnabled {
		var capacity = cfg.MemoryCapacity
		if capacity <= 0 {
			capacity = DefaultMemoryCapacity
		}
		var mem, err = lru.New[uint64, memoryEntry](capacity)
		if err != nil {
			// lru.New fails only on a non-positive size.
			panic(err)
		}
		c.memory = mem
	}
	return c
}

// DiskPath is the document path for (workdir, pageID).
func DiskPath(workdir, pageID string) string {
	return filepath.Join(workdir, DiskDirName, pageID+".json")
}

func memoryKey(workdir, pageID string) (uint64, string) {
	var exact = workdir + "|" + pageID
	return highwayhash.Sum64([]byte(exact), hashKey), exact
}

// Get returns the cached document for the page, trying memory then disk.
// A disk hit is promoted into memory.
func (c *Cache) Get(workdir, pageID string) (*PageDoc, bool) {
	var sum, exact = memoryKey(workdir, pageID)

	if c.memory != nil {
		if entry, ok := c.memory.Get(sum); ok && entry.key == exact {
			cacheHits.WithLabelValues("memory").Inc()
			return entry.doc, true
		}
	}

	var doc, err = readDoc(DiskPath(workdir, pageID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("page", pageID).Warn("unreadable ocr cache document")
		}
		cacheMisses.Inc()
		return nil, false
	}

	cacheHits.WithLabelValues("disk").Inc()
	c.promote(sum, exact, doc)
	return doc, true
}

// Put persists the document to disk and promotes it into memory. The disk
// write is atomic: a temp file in the same directory renamed into place.
func (c *Cache) Put(workdir, pageID string, doc *PageDoc) error {
	var path = DiskPath(workdir, pageID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating ocr cache directory: %w", err)
	}

	var data []byte
	var err error
	if c.cfg.Pretty {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = json.Marshal(doc)
	}
	if err != nil {
		return fmt.Errorf("encoding ocr document of %q: %w", pageID, err)
	}

	var tmp = filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString())
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing ocr document of %q: %w", pageID, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing ocr document of %q: %w", pageID, err)
	}

	var sum, exact = memoryKey(workdir, pageID)
	c.promote(sum, exact, doc)
	return nil
}

// Invalidate drops the page from the memory tier and removes its document.
func (c *Cache) Invalidate(workdir, pageID string) error {
	var sum, _ = memoryKey(workdir, pageID)
	if c.memory != nil {
		c.memory.Remove(sum)
	}
	var err = os.Remove(DiskPath(workdir, pageID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing ocr document of %q: %w", pageID, err)
	}
	return nil
}

func (c *Cache) promote(sum uint64, exact string, doc *PageDoc) {
	if c.memory != nil {
		c.memory.Add(sum, memoryEntry{key: exact, doc: doc})
	}
}

// readDoc reads and decodes one page document. Reads never create the cache
// directory.
func readDoc(path string) (*PageDoc, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc PageDoc
	if err = json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	return &doc, nil
}
