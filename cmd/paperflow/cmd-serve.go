package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/examio/paperflow/go/model"
	"github.com/examio/paperflow/go/queue"
	"github.com/examio/paperflow/go/runner"
	"github.com/examio/paperflow/go/runtime"
	"github.com/examio/paperflow/go/taskdb"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// pollInterval is the idle sleep between empty queue claims.
const pollInterval = 500 * time.Millisecond

type cmdServe struct {
	Workers      int `long:"workers" default:"2" description:"Concurrent task workers draining the queue."`
	LeaseSeconds int `long:"lease-seconds" default:"60" description:"Queue lease granted per claimed task."`

	runtime.Config
}

func (cmd cmdServe) execute(ctx context.Context) error {
	if cmd.Workers < 1 {
		return fmt.Errorf("workers must be at least 1 (got %d)", cmd.Workers)
	}

	var svc, err = runtime.NewService(ctx, cmd.Config)
	if err != nil {
		return err
	}
	defer svc.Close()
	model.SetShared(svc.Gateway)

	// Rebuild snapshots of unfinished tasks before accepting work.
	snaps, err := svc.Recovery.Snapshots(ctx)
	if err != nil {
		return err
	}
	if cmd.Runner.AutoResume {
		for _, snap := range snaps {
			svc.Queue.Enqueue(snap.Task.TaskID, nil)
		}
		if len(snaps) > 0 {
			log.WithField("tasks", len(snaps)).Info("re-enqueued recovered tasks")
		}
	}

	// Warm the engine in the background; claimed tasks block on readiness
	// rather than on the queue.
	go func() {
		if _, err := svc.Gateway.Warmup(ctx, false); err != nil && ctx.Err() == nil {
			log.WithField("err", err).Warn("engine warmup failed")
		}
	}()

	log.WithFields(log.Fields{
		"workers": cmd.Workers,
		"queued":  svc.Queue.PendingCount(),
	}).Info("serving the processing queue")

	var grp, grpCtx = errgroup.WithContext(ctx)
	for i := 0; i != cmd.Workers; i++ {
		var worker = fmt.Sprintf("worker-%d", i)
		grp.Go(func() error {
			cmd.drain(grpCtx, svc, worker)
			return nil
		})
	}
	return grp.Wait()
}

// drain claims and runs queued tasks until the context ends.
func (cmd cmdServe) drain(ctx context.Context, svc *runtime.Service, worker string) {
	for ctx.Err() == nil {
		var items = svc.Queue.Claim(worker, cmd.LeaseSeconds, 1)
		if len(items) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(pollInterval):
			}
			continue
		}
		cmd.serveOne(ctx, svc, items[0])
	}
}

func (cmd cmdServe) serveOne(ctx context.Context, svc *runtime.Service, item queue.Item) {
	var fields = log.Fields{"task": item.TaskID, "attempt": item.Attempt, "worker": item.WorkerID}

	var task taskdb.Task
	var err = svc.DB.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		var detail, err = tx.GetTask(ctx, item.TaskID)
		if err != nil {
			return err
		}
		task = detail.Task
		return nil
	})
	if err != nil {
		log.WithFields(fields).WithField("err", err).Warn("dropping queue item: task lookup failed")
		svc.Queue.Ack(item.ID, item.LeaseToken)
		return
	}
	if task.Status.Terminal() {
		svc.Queue.Ack(item.ID, item.LeaseToken)
		return
	}

	snap, err := runner.LoadSnapshot(ctx, svc.DB, task.TaskID)
	if err == nil {
		snap, err = svc.Runner.Run(ctx, snap, svc.StepContext(task), nil)
	}

	switch {
	case err != nil && ctx.Err() != nil:
		// Shutting down mid-task. The run already reset the task to pending;
		// the lease expires on its own and a later process resumes the work.
		log.WithFields(fields).Info("abandoning task for shutdown")
	case err != nil:
		svc.Queue.Nack(item.ID, item.LeaseToken, 0)
		log.WithFields(fields).WithField("err", err).Warn("task run aborted; re-queued")
	case snap.Task.Status == taskdb.StatusCompleted:
		svc.Queue.Ack(item.ID, item.LeaseToken)
		log.WithFields(fields).Info("task completed")
	default:
		// Terminal failure or an operator cancel. The task store holds the
		// outcome; the queue must not spin on it.
		svc.Queue.Ack(item.ID, item.LeaseToken)
		log.WithFields(fields).WithField("status", snap.Task.Status).Warn("task finished without completing")
	}
}

func (cmd cmdServe) Execute(_ []string) error {
	runtime.InitLog(cmd.Log)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal; draining workers")
		cancel()
	}()

	log.WithFields(log.Fields{"config": cmd}).Debug("paperflow configuration")
	return cmd.execute(ctx)
}
