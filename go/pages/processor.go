package pages

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/examio/paperflow/go/model"
	"github.com/examio/paperflow/go/ocr"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultPrefetchDepth bounds the job queue between prefetcher and workers.
const DefaultPrefetchDepth = 8

// prefetchBytes is how much of each page file the prefetcher touches to pull
// it into the filesystem cache before a worker decodes it.
const prefetchBytes = 4096

// DefaultWorkers sizes the pool at max(2, min(cpu/2, 6)). Workers spend most
// of their time waiting on the inference mutex, so more buys little.
func DefaultWorkers() int {
	var k = runtime.NumCPU() / 2
	if k > 6 {
		k = 6
	}
	if k < 2 {
		k = 2
	}
	return k
}

// Config tunes the page processor. Zero values select the defaults.
type Config struct {
	Workers       int
	PrefetchDepth int
	// SkipExisting resumes: pages with a valid summary are not reprocessed.
	SkipExisting bool
	// Force reruns OCR even over cached layout documents.
	Force       bool
	PassByArray bool
	BatchSize   int
	PrettyMeta  bool
	PNGLevel    png.CompressionLevel
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers()
	}
	if c.PrefetchDepth <= 0 {
		c.PrefetchDepth = DefaultPrefetchDepth
	}
	return c
}

// Result is the outcome of one page, written into its input-order slot.
type Result struct {
	Index     int
	PageID    string
	ImagePath string
	Skipped   bool
	Questions int
}

// Processor drives the extraction stage over one workdir.
type Processor struct {
	gateway *model.Gateway
	cache   *ocr.Cache
	cfg     Config
}

// NewProcessor wires a processor to its model gateway and OCR cache.
func NewProcessor(gateway *model.Gateway, cache *ocr.Cache, cfg Config) *Processor {
	return &Processor{gateway: gateway, cache: cache, cfg: cfg.withDefaults()}
}

type pageJob struct {
	index int
	path  string
}

// Process runs every page of the workdir through the pool and returns results
// aligned to input order. The first page failure cancels the run; progress,
// when non-nil, is invoked after every completed page including skipped ones.
func (p *Processor) Process(ctx context.Context, workdir string, progress func(done, total int)) ([]Result, error) {
	var paths, err = ocr.ListPageImages(workdir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}

	var total = len(paths)
	var results = make([]Result, total)
	var jobs = make(chan pageJob, p.cfg.PrefetchDepth)
	var completed int32

	log.WithFields(log.Fields{
		"workdir": workdir,
		"pages":   total,
		"workers": p.cfg.Workers,
	}).Info("pages: processing")

	var group, gctx = errgroup.WithContext(ctx)

	// The prefetcher warms each file ahead of the workers and feeds the
	// bounded queue. Closing the queue is the termination signal.
	group.Go(func() error {
		defer close(jobs)
		for i, path := range paths {
			warmPrefix(path)
			select {
			case jobs <- pageJob{index: i, path: path}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < p.cfg.Workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					var res, err = p.processPage(gctx, workdir, job)
					if err != nil {
						return fmt.Errorf("processing %s: %w", filepath.Base(job.path), err)
					}
					results[job.index] = res
					var n = atomic.AddInt32(&completed, 1)
					if progress != nil {
						progress(int(n), total)
					}
				}
			}
		})
	}

	if err = group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Processor) processPage(ctx context.Context, workdir string, job pageJob) (Result, error) {
	var started = time.Now()
	var pageID = ocr.PageID(job.path)
	var res = Result{Index: job.index, PageID: pageID, ImagePath: job.path}

	if p.cfg.SkipExisting && !p.cfg.Force {
		if meta, ok := PageComplete(workdir, pageID); ok {
			res.Skipped = true
			res.Questions = len(meta.Questions)
			pagesProcessed.WithLabelValues("skipped").Inc()
			log.WithField("page", pageID).Debug("pages: summary exists, skipping")
			return res, nil
		}
	}

	var leaseCtx, lease, err = p.gateway.Lease(ctx)
	if err != nil {
		return res, fmt.Errorf("acquiring model lease: %w", err)
	}
	defer lease.Release()

	doc, err := p.cache.Fetch(leaseCtx, lease, job.path, workdir, ocr.FetchOptions{
		Force:       p.cfg.Force,
		PassByArray: p.cfg.PassByArray,
		BatchSize:   p.cfg.BatchSize,
	})
	if err != nil {
		return res, err
	}

	// Post-processing is pure CPU work. The lease is still held but the
	// inference mutex is not, so it overlaps other workers' predictions.
	meta, err := ExtractQuestions(workdir, job.path, doc, ExtractOptions{PNGLevel: p.cfg.PNGLevel})
	if err != nil {
		return res, err
	}
	if err = SaveMeta(workdir, pageID, meta, p.cfg.PrettyMeta); err != nil {
		return res, err
	}

	res.Questions = len(meta.Questions)
	pagesProcessed.WithLabelValues("ok").Inc()
	questionsExtracted.Add(float64(res.Questions))
	pageSeconds.Observe(time.Since(started).Seconds())
	return res, nil
}

func warmPrefix(path string) {
	var f, err = os.Open(path)
	if err != nil {
		return
	}
	var buf [prefetchBytes]byte
	_, _ = f.Read(buf[:])
	_ = f.Close()
}
