package main

import (
	"context"
	"fmt"
	"time"

	"github.com/examio/paperflow/go/runtime"
	log "github.com/sirupsen/logrus"
)

type cmdWarmup struct {
	Force bool `long:"force" description:"Re-warm even when the engine is already ready or marked failed."`

	runtime.Config
}

func (cmd cmdWarmup) execute(ctx context.Context) error {
	var svc, err = runtime.NewService(ctx, cmd.Config)
	if err != nil {
		return err
	}
	defer svc.Close()

	var started = time.Now()
	performed, err := svc.Gateway.Warmup(ctx, cmd.Force)
	if err != nil {
		return fmt.Errorf("warming up engine: %w", err)
	}
	if performed {
		fmt.Println("engine", green("warmed"), "in", time.Since(started).Round(time.Millisecond))
	} else {
		fmt.Println("engine already", green("ready"))
	}
	return nil
}

func (cmd cmdWarmup) Execute(_ []string) error {
	runtime.InitLog(cmd.Log)
	log.WithFields(log.Fields{"config": cmd}).Debug("paperflow configuration")
	return cmd.execute(context.Background())
}
