package main

import (
	"context"
	"fmt"

	"github.com/examio/paperflow/go/events"
	"github.com/examio/paperflow/go/runtime"
	"github.com/examio/paperflow/go/taskdb"
	log "github.com/sirupsen/logrus"
)

type cmdTasksList struct {
	Status string `long:"status" choice:"pending" choice:"processing" choice:"completed" choice:"failed" description:"Only list tasks with this status."`
	Limit  int    `long:"limit" default:"20" description:"Maximum number of tasks to list."`
	Offset int    `long:"offset" description:"Tasks to skip before listing."`

	runtime.Config
}

func (cmd cmdTasksList) execute(ctx context.Context) error {
	var db, err = taskdb.Open(ctx, cmd.Store.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	var tasks []taskdb.Task
	if err = db.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		var err error
		tasks, err = tx.ListTasks(ctx, taskdb.TaskStatus(cmd.Status), cmd.Limit, cmd.Offset)
		return err
	}); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	fmt.Printf("%-36s  %-10s  %-4s  %-6s  %-20s  %s\n",
		"TASK", "STATUS", "STEP", "MODE", "UPDATED", "PDF")
	for _, task := range tasks {
		fmt.Printf("%-36s  %s  %2d/%d  %-6s  %-20s  %s\n",
			task.TaskID,
			statusColor(string(task.Status))(fmt.Sprintf("%-10s", task.Status)),
			task.CurrentStep+1, taskdb.NumStages,
			task.Mode, task.UpdatedAt, task.PDFName)
	}
	return nil
}

func (cmd cmdTasksList) Execute(_ []string) error {
	runtime.InitLog(cmd.Log)
	return cmd.execute(context.Background())
}

type cmdTasksShow struct {
	Events bool `long:"events" description:"Also print the task's stored pipeline events."`

	runtime.Config

	Positional struct {
		Task string `positional-arg-name:"task-id" required:"true" description:"ID of the task to show"`
	} `positional-args:"yes"`
}

func (cmd cmdTasksShow) execute(ctx context.Context) error {
	var db, err = taskdb.Open(ctx, cmd.Store.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	var detail *taskdb.TaskDetail
	if err = db.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		var err error
		detail, err = tx.GetTask(ctx, cmd.Positional.Task)
		return err
	}); err != nil {
		return err
	}

	var task = detail.Task
	fmt.Println("task:    ", task.TaskID)
	fmt.Println("pdf:     ", task.PDFName)
	fmt.Println("mode:    ", task.Mode)
	fmt.Println("status:  ", coloredStatus(string(task.Status)))
	if task.FileHash != "" {
		fmt.Println("sha256:  ", task.FileHash)
	}
	if task.ErrorMessage != "" {
		fmt.Println("error:   ", red(task.ErrorMessage))
	}
	fmt.Println("created: ", task.CreatedAt)
	fmt.Println("updated: ", task.UpdatedAt)
	if task.FinishedAt != "" {
		fmt.Println("finished:", task.FinishedAt)
	}

	fmt.Println()
	fmt.Println("stages:")
	for _, s := range detail.Steps {
		fmt.Printf("  %d  %-24s %s",
			s.StepIndex, s.Name, statusColor(string(s.Status))(fmt.Sprintf("%-10s", s.Status)))
		if len(s.Artifacts) > 0 {
			fmt.Printf(" %d artifact(s)", len(s.Artifacts))
		}
		fmt.Println()
		if s.Error != "" {
			fmt.Printf("     %s\n", red(s.Error))
		}
	}

	if len(detail.RecentLogs) > 0 {
		fmt.Println()
		fmt.Println("recent logs:")
		for _, entry := range detail.RecentLogs {
			fmt.Printf("  %s  [%s] %s\n", entry.CreatedAt, entry.Level, entry.Message)
		}
	}

	if cmd.Events {
		return cmd.printEvents(ctx, db)
	}
	return nil
}

// printEvents replays the task's durable event log, oldest first.
func (cmd cmdTasksShow) printEvents(ctx context.Context, db *taskdb.Store) error {
	var store = events.NewStore(db.DB())
	fmt.Println()
	fmt.Println("events:")

	var afterID int64
	for {
		var batch, err = store.ListSince(ctx, cmd.Positional.Task, afterID, 0)
		if err != nil {
			return err
		}
		for _, ev := range batch {
			fmt.Printf("  %6d  %-22s %s\n", ev.ID, ev.Type, string(ev.Payload))
		}
		if len(batch) < events.DefaultReplayLimit {
			return nil
		}
		afterID = batch[len(batch)-1].ID
	}
}

func (cmd cmdTasksShow) Execute(_ []string) error {
	runtime.InitLog(cmd.Log)
	log.WithFields(log.Fields{"task": cmd.Positional.Task}).Debug("showing task")
	return cmd.execute(context.Background())
}
