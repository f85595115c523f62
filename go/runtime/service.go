package runtime

import (
	"context"
	"fmt"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/examio/paperflow/go/artifact"
	"github.com/examio/paperflow/go/compose"
	"github.com/examio/paperflow/go/events"
	"github.com/examio/paperflow/go/model"
	"github.com/examio/paperflow/go/ocr"
	"github.com/examio/paperflow/go/ops"
	"github.com/examio/paperflow/go/pages"
	"github.com/examio/paperflow/go/queue"
	"github.com/examio/paperflow/go/rasterize"
	"github.com/examio/paperflow/go/runner"
	"github.com/examio/paperflow/go/steps"
	"github.com/examio/paperflow/go/taskdb"
	log "github.com/sirupsen/logrus"
)

// Service owns the long-lived components of one paperflow process: the
// durable stores, the shared OCR gateway, and the pipeline runner. Commands
// build it once from Config and share it across every task they touch.
type Service struct {
	Config Config

	DB        *taskdb.Store
	Events    *events.Store
	Bus       *events.Bus
	Sink      *events.Sink
	Artifacts *artifact.Store
	Gateway   *model.Gateway
	Cache     *ocr.Cache
	Composer  *compose.Composer
	Renderer  rasterize.Renderer
	Tracer    *ops.Tracer // nil unless output.perf-trace is set
	Runner    *runner.Runner
	Recovery  *runner.Recovery
	Queue     *queue.Queue
}

// NewService opens the stores and wires the pipeline stack. The engine
// subprocess is not started here; the gateway warms it on first use, or
// eagerly through Warmup.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db, err = taskdb.Open(ctx, cfg.Store.DB)
	if err != nil {
		return nil, fmt.Errorf("opening task database: %w", err)
	}
	arts, err := artifact.NewStore(cfg.Store.Artifacts)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening artifact store: %w", err)
	}
	composer, err := compose.NewComposer(compose.Config{
		PNGLevel: png.CompressionLevel(cfg.Output.PNGCompressLevel),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("building composer: %w", err)
	}

	var tracer *ops.Tracer
	if cfg.Output.PerfTrace != "" {
		if tracer, err = ops.NewTracer(cfg.Output.PerfTrace); err != nil {
			db.Close()
			return nil, fmt.Errorf("opening perf trace: %w", err)
		}
	}

	engine, err := buildEngine(cfg.Model)
	if err != nil {
		db.Close()
		return nil, err
	}

	var store = events.NewStore(db.DB())
	var bus = events.NewBus()
	var svc = &Service{
		Config:    cfg,
		DB:        db,
		Events:    store,
		Bus:       bus,
		Sink:      events.NewSink(store, bus),
		Artifacts: arts,
		Gateway:   model.NewGateway(engine),
		Cache: ocr.NewCache(ocr.CacheConfig{
			MemoryEnabled:  cfg.Cache.Memory,
			MemoryCapacity: cfg.Cache.MemorySize,
			Pretty:         cfg.Cache.Pretty,
			MaxChars:       cfg.Cache.MaxChars,
		}),
		Composer: composer,
		Renderer: &rasterize.ExecRenderer{},
		Tracer:   tracer,
		Queue:    queue.New(),
	}
	svc.Runner = runner.New(runner.Config{
		MaxRetries: cfg.Runner.MaxRetries,
		RetryDelay: cfg.Runner.RetryDelay,
	}, db, svc.Sink, steps.Ordered())
	svc.Recovery = runner.NewRecovery(db, arts, svc.WorkdirFor)
	return svc, nil
}

func buildEngine(cfg ModelConfig) (model.Engine, error) {
	if cfg.EngineCmd == "" {
		log.Warn("no model.engine-cmd configured; using the built-in fake engine")
		return model.NewFakeEngine(), nil
	}
	var engine, err = model.NewExecEngine(model.ExecConfig{
		Command:    strings.Fields(cfg.EngineCmd),
		Device:     cfg.Device,
		GPUID:      cfg.GPUID,
		LightTable: cfg.LightTable,
		BatchSize:  cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("building exec engine: %w", err)
	}
	return engine, nil
}

// Close shuts down the engine subprocess and closes the stores.
func (s *Service) Close() error {
	var firstErr error
	if err := s.Gateway.Shutdown(); err != nil {
		firstErr = err
	}
	if s.Tracer != nil {
		if err := s.Tracer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// WorkdirFor resolves the task's working directory under store.workdirs.
// The exam directory name wins when present, so re-uploads of the same paper
// land in a recognizable place; the task ID is the fallback.
func (s *Service) WorkdirFor(task taskdb.Task) string {
	var dir = task.ExamDirName
	if dir == "" {
		dir = task.TaskID
	}
	return filepath.Join(s.Config.Store.Workdirs, artifact.Sanitize(dir))
}

// SourcePath is where the task's source PDF rests inside its workdir. The
// process command copies the upload there before the first run, so a resumed
// task finds its input without needing the original path.
func (s *Service) SourcePath(task taskdb.Task) string {
	return filepath.Join(s.WorkdirFor(task), filepath.Base(task.PDFName))
}

// StepContext assembles the per-task context the runner hands to stages.
func (s *Service) StepContext(task taskdb.Task) *runner.StepContext {
	var workers = s.Config.Extract.Workers
	if !s.Config.Extract.Parallel {
		workers = 1
	}
	return &runner.StepContext{
		TaskID:        task.TaskID,
		PDFPath:       s.SourcePath(task),
		Workdir:       s.WorkdirFor(task),
		FileHash:      task.FileHash,
		ExpectedPages: task.ExpectedPages,
		Mode:          task.Mode,

		Gateway:   s.Gateway,
		Cache:     s.Cache,
		Renderer:  s.Renderer,
		Composer:  s.Composer,
		Artifacts: s.Artifacts,
		Tracer:    s.Tracer,

		Pages: pages.Config{
			Workers:       workers,
			PrefetchDepth: s.Config.Extract.PrefetchQueue,
			SkipExisting:  s.Config.Extract.SkipExisting,
			PassByArray:   s.Config.Extract.PassByArray,
			BatchSize:     s.Config.Model.BatchSize,
			PrettyMeta:    s.Config.Output.MetaPretty,
			PNGLevel:      png.CompressionLevel(s.Config.Output.PNGCompressLevel),
		},
		Raster: rasterize.Options{
			SkipExisting: s.Config.Extract.SkipExisting,
		},
		PrettyJSON: s.Config.Output.MetaPretty,
	}
}
