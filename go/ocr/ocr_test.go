package ocr

import (
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/examio/paperflow/go/imaging"
	"github.com/examio/paperflow/go/model"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	var raw = []model.RawBlock{
		{Index: 0, Label: "text", BBox: []float64{1, 2, 3, 4}, Content: "keep"},
		{Index: 1, Label: "", BBox: []float64{1, 2, 3, 4}, Content: "no label"},
		{Index: 2, Label: "table", Content: "no bbox"},
		{Index: 3, Label: "table", BBox: []float64{1, 2, 3, 4}, Content: strings.Repeat("长", 10)},
	}

	var blocks = Normalize(raw, 4)
	require.Len(t, blocks, 2)
	require.Equal(t, "keep", blocks[0].Content)

	// Case: non-text content is truncated with its original length recorded.
	require.True(t, blocks[1].ContentTruncated)
	require.Equal(t, 10, blocks[1].ContentLen)
	require.Equal(t, strings.Repeat("长", 4), blocks[1].Content)

	// Case: text content is never truncated.
	raw = []model.RawBlock{{Label: "text", BBox: []float64{0, 0, 1, 1}, Content: strings.Repeat("a", 10)}}
	blocks = Normalize(raw, 4)
	require.False(t, blocks[0].ContentTruncated)
	require.Len(t, blocks[0].Content, 10)
}

func TestPageOrdering(t *testing.T) {
	require.Equal(t, "page_12", PageID("/work/t1/page_12.png"))
	require.Equal(t, 12, PageNumber("page_12"))
	require.Equal(t, 0, PageNumber("cover"))

	var ids = []string{"page_10", "page_2", "page_1", "cover", "page_11"}
	SortPageIDs(ids)
	require.Equal(t, []string{"cover", "page_1", "page_2", "page_10", "page_11"}, ids)
}

func writePage(t *testing.T, workdir string, n int) string {
	t.Helper()
	var path = filepath.Join(workdir, "page_"+strconv.Itoa(n)+".png")
	require.NoError(t, imaging.Save(path, imaging.ComposeVertical(nil), png.DefaultCompression))
	return path
}

func TestCachePutGetPromotes(t *testing.T) {
	var workdir = t.TempDir()
	var cache = NewCache(CacheConfig{MemoryEnabled: true, MemoryCapacity: 4})
	var doc = &PageDoc{PageID: "page_1", ImageWidth: 100, ImageHeight: 200,
		Blocks: []Block{{Index: 0, Label: "text", BBox: [4]float64{1, 2, 3, 4}, Content: "hi"}}}

	require.NoError(t, cache.Put(workdir, "page_1", doc))

	// The disk tier holds the document.
	_, err := os.Stat(DiskPath(workdir, "page_1"))
	require.NoError(t, err)

	got, ok := cache.Get(workdir, "page_1")
	require.True(t, ok)
	require.Equal(t, doc.Blocks, got.Blocks)

	// A fresh cache (cold memory) still hits via disk and promotes.
	var cold = NewCache(CacheConfig{MemoryEnabled: true})
	got, ok = cold.Get(workdir, "page_1")
	require.True(t, ok)
	require.Equal(t, 100, got.ImageWidth)

	// Case: same page id under a different workdir is a distinct key.
	_, ok = cache.Get(t.TempDir(), "page_1")
	require.False(t, ok)

	require.NoError(t, cache.Invalidate(workdir, "page_1"))
	_, ok = cache.Get(workdir, "page_1")
	require.False(t, ok)
}

func TestFetchUsesCacheTiers(t *testing.T) {
	var workdir = t.TempDir()
	var imagePath = writePage(t, workdir, 1)
	var ctx = context.Background()

	var engine = model.NewFakeEngine()
	engine.Script(imagePath, &model.PredictResponse{
		Width:  640,
		Height: 480,
		Blocks: []model.RawBlock{{Index: 0, Label: "text", BBox: []float64{0, 0, 10, 10}, Content: "q1"}},
	})
	var gw = model.NewGateway(engine)
	var _, lease, err = gw.Lease(ctx)
	require.NoError(t, err)
	defer lease.Release()
	var warmupPredicts = engine.Predicts()

	var cache = NewCache(CacheConfig{MemoryEnabled: true})

	// First fetch misses and runs inference.
	doc, err := cache.Fetch(ctx, lease, imagePath, workdir, FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, "page_1", doc.PageID)
	require.Equal(t, 640, doc.ImageWidth)
	require.Len(t, doc.Blocks, 1)
	require.Equal(t, 1, engine.Predicts()-warmupPredicts)

	// Second fetch is served from cache without inference.
	_, err = cache.Fetch(ctx, lease, imagePath, workdir, FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, engine.Predicts()-warmupPredicts)

	// Case: force bypasses the cache and re-runs inference.
	_, err = cache.Fetch(ctx, lease, imagePath, workdir, FetchOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, 2, engine.Predicts()-warmupPredicts)
}

func TestFetchPassByArrayPathRetry(t *testing.T) {
	var workdir = t.TempDir()
	var imagePath = writePage(t, workdir, 1)
	var ctx = context.Background()

	var engine = model.NewFakeEngine()
	engine.PathOnly = true
	var gw = model.NewGateway(engine)
	var _, lease, err = gw.Lease(ctx)
	require.NoError(t, err)
	defer lease.Release()

	// The engine refuses bytes; the path retry inside the lease recovers.
	var cache = NewCache(CacheConfig{})
	doc, err := cache.Fetch(ctx, lease, imagePath, workdir, FetchOptions{PassByArray: true})
	require.NoError(t, err)
	require.NotEmpty(t, doc.Blocks)
}

func TestIsCompleteAndLoadAll(t *testing.T) {
	var workdir = t.TempDir()
	var cache = NewCache(CacheConfig{})

	// No pages at all: trivially complete.
	complete, err := IsComplete(workdir)
	require.NoError(t, err)
	require.True(t, complete)

	writePage(t, workdir, 1)
	writePage(t, workdir, 2)

	complete, err = IsComplete(workdir)
	require.NoError(t, err)
	require.False(t, complete)

	require.NoError(t, cache.Put(workdir, "page_1", &PageDoc{PageID: "page_1"}))
	complete, err = IsComplete(workdir)
	require.NoError(t, err)
	require.False(t, complete)

	require.NoError(t, cache.Put(workdir, "page_2", &PageDoc{PageID: "page_2"}))
	complete, err = IsComplete(workdir)
	require.NoError(t, err)
	require.True(t, complete)

	docs, err := cache.LoadAll(workdir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "page_1", docs[0].PageID)
	require.Equal(t, "page_2", docs[1].PageID)
}
