package pages

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/examio/paperflow/go/imaging"
	"github.com/examio/paperflow/go/model"
	"github.com/examio/paperflow/go/ocr"
	"github.com/stretchr/testify/require"
)

func writePageImage(t *testing.T, workdir string, n, w, h int) string {
	t.Helper()
	var path = filepath.Join(workdir, fmt.Sprintf("page_%d.png", n))
	require.NoError(t, imaging.Save(path, image.NewRGBA(image.Rect(0, 0, w, h)), png.DefaultCompression))
	return path
}

func TestExtractQuestions(t *testing.T) {
	var workdir = t.TempDir()
	var imgPath = writePageImage(t, workdir, 3, 200, 280)

	var doc = &ocr.PageDoc{
		PageID:      "page_3",
		ImageWidth:  200,
		ImageHeight: 280,
		Blocks: []ocr.Block{
			{Label: "header", BBox: [4]float64{10, 5, 190, 15}, Content: "试卷页眉"},
			{Label: "text", BBox: [4]float64{10, 20, 190, 60}, Content: "开头的说明文字"},
			{Label: "text", BBox: [4]float64{10, 70, 190, 100}, Content: "5.第一道题"},
			{Label: "table", BBox: [4]float64{10, 105, 190, 150}, Content: "数据表"},
			{Label: "text", BBox: [4]float64{10, 160, 190, 190}, Content: "6.第二道题"},
			{Label: "figure", BBox: [4]float64{10, 195, 190, 230}, Content: ""},
		},
	}

	var meta, err = ExtractQuestions(workdir, imgPath, doc, ExtractOptions{})
	require.NoError(t, err)
	require.Equal(t, "page_3", meta.PageName)
	require.Equal(t, "page_3.png", meta.ImagePath)
	require.Len(t, meta.Questions, 2)

	// Case: the leading text before question 5 belongs to no span, and the
	// header is dropped as noise.
	var q5 = meta.Questions[0]
	require.Equal(t, 5, q5.QNo)
	require.Equal(t, "questions_page_3/q_5.png", q5.Image)
	require.Equal(t, [4]int{0, 70, 200, 150}, q5.CropBoxImage)
	require.Equal(t, [4]float64{10, 70, 190, 150}, q5.CropBoxBlocks)
	require.Equal(t, 1, q5.TextBlocks)
	require.Equal(t, 1, q5.TableBlocks)
	require.Equal(t, 0, q5.OtherBlocks)

	var q6 = meta.Questions[1]
	require.Equal(t, 6, q6.QNo)
	require.Equal(t, [4]int{0, 160, 200, 230}, q6.CropBoxImage)
	require.Equal(t, 1, q6.OtherBlocks)

	// Crops are full-width bands of the recorded pixel box.
	var crop, cerr = imaging.Load(filepath.Join(workdir, "questions_page_3", "q_5.png"))
	require.NoError(t, cerr)
	require.Equal(t, 200, crop.Bounds().Dx())
	require.Equal(t, 80, crop.Bounds().Dy())
}

func TestExtractQuestionsEmptyPage(t *testing.T) {
	var workdir = t.TempDir()
	var doc = &ocr.PageDoc{PageID: "page_1", Blocks: []ocr.Block{
		{Label: "footer", BBox: [4]float64{10, 260, 190, 275}, Content: "第1页"},
	}}

	// Case: a page without questions writes no crops and never even opens
	// the page image.
	var meta, err = ExtractQuestions(workdir, filepath.Join(workdir, "missing.png"), doc, ExtractOptions{})
	require.NoError(t, err)
	require.Empty(t, meta.Questions)
}

func scriptedFixture(t *testing.T, pages int) (string, *model.FakeEngine) {
	t.Helper()
	var workdir = t.TempDir()
	var engine = model.NewFakeEngine()
	for n := 1; n <= pages; n++ {
		var path = writePageImage(t, workdir, n, 200, 280)
		engine.Script(path, &model.PredictResponse{
			Width:  200,
			Height: 280,
			Blocks: []model.RawBlock{{
				Index:   0,
				Label:   "text",
				BBox:    []float64{10, 40, 190, 120},
				Content: fmt.Sprintf("%d.第%d页的题目", n, n),
			}},
		})
	}
	return workdir, engine
}

func TestProcessOrderedResults(t *testing.T) {
	var ctx = context.Background()
	var workdir, engine = scriptedFixture(t, 5)
	var gateway = model.NewGateway(engine)
	var cache = ocr.NewCache(ocr.CacheConfig{MemoryEnabled: true, MemoryCapacity: 8})

	var mu sync.Mutex
	var calls, maxDone, lastTotal int
	var progress = func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		lastTotal = total
		if done > maxDone {
			maxDone = done
		}
	}

	var proc = NewProcessor(gateway, cache, Config{Workers: 3, PrettyMeta: true})
	var results, err = proc.Process(ctx, workdir, progress)
	require.NoError(t, err)
	require.Len(t, results, 5)

	// Case: slots are aligned to input order regardless of completion order.
	for i, res := range results {
		require.Equal(t, i, res.Index)
		require.Equal(t, fmt.Sprintf("page_%d", i+1), res.PageID)
		require.Equal(t, 1, res.Questions)
		require.False(t, res.Skipped)

		var meta, ok = PageComplete(workdir, res.PageID)
		require.True(t, ok)
		require.Equal(t, i+1, meta.Questions[0].QNo)
	}

	// Every page produced a durable layout document and a progress tick.
	var complete, cerr = ocr.IsComplete(workdir)
	require.NoError(t, cerr)
	require.True(t, complete)
	require.Equal(t, 5, calls)
	require.Equal(t, 5, maxDone)
	require.Equal(t, 5, lastTotal)

	var done, derr = IsComplete(workdir)
	require.NoError(t, derr)
	require.True(t, done)
}

func TestProcessSkipExistingResumes(t *testing.T) {
	var ctx = context.Background()
	var workdir, engine = scriptedFixture(t, 3)
	var gateway = model.NewGateway(engine)
	var cache = ocr.NewCache(ocr.CacheConfig{})

	var proc = NewProcessor(gateway, cache, Config{Workers: 2})
	var _, err = proc.Process(ctx, workdir, nil)
	require.NoError(t, err)
	var base = engine.Predicts()

	// Case: a second pass with skip_existing touches nothing.
	var resume = NewProcessor(gateway, cache, Config{Workers: 2, SkipExisting: true})
	var results, rerr = resume.Process(ctx, workdir, nil)
	require.NoError(t, rerr)
	for _, res := range results {
		require.True(t, res.Skipped)
	}
	require.Equal(t, base, engine.Predicts())

	// Case: a missing crop invalidates that page's summary, but the layout
	// cache still spares the engine a new inference.
	var meta, ok = PageComplete(workdir, "page_2")
	require.True(t, ok)
	require.NoError(t, os.Remove(filepath.Join(workdir, filepath.FromSlash(meta.Questions[0].Image))))

	results, rerr = resume.Process(ctx, workdir, nil)
	require.NoError(t, rerr)
	require.True(t, results[0].Skipped)
	require.False(t, results[1].Skipped)
	require.True(t, results[2].Skipped)
	require.Equal(t, base, engine.Predicts())

	_, ok = PageComplete(workdir, "page_2")
	require.True(t, ok)
}

func TestProcessFirstErrorCancels(t *testing.T) {
	var ctx = context.Background()
	var workdir, engine = scriptedFixture(t, 3)
	var gateway = model.NewGateway(engine)

	// Warm up first so the injected failure hits page inference, not warmup.
	var _, err = gateway.Warmup(ctx, false)
	require.NoError(t, err)
	engine.PredictErr = errors.New("accelerator fault")

	var proc = NewProcessor(gateway, ocr.NewCache(ocr.CacheConfig{}), Config{Workers: 2})
	_, err = proc.Process(ctx, workdir, nil)
	require.ErrorContains(t, err, "accelerator fault")
}

func TestDefaultWorkerBounds(t *testing.T) {
	var k = DefaultWorkers()
	require.GreaterOrEqual(t, k, 2)
	require.LessOrEqual(t, k, 6)
}
