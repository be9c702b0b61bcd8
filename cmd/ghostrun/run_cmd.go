package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/orchestrator"
)

var modeFlag string

var runCmd = &cobra.Command{
	Use:   "run [intent text]",
	Short: "Submit one intent and stream its execution to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVarP(&modeFlag, "mode", "m", "AUTO", "AUTO|BROWSE|DO|MAKE|RESEARCH")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
	}()

	res := rt.orch.Submit(ctx, orchestrator.SubmitInput{Text: strings.Join(args, " "), Mode: modeFlag, Source: "cli"})
	if !res.Accepted {
		errMsg := "rejected"
		if res.Error != nil {
			errMsg = *res.Error
		}
		return fmt.Errorf("submission rejected: %s", errMsg)
	}

	taskID := res.Dispatch.TaskID
	fmt.Printf("task %s classified %s (%s, confidence %.2f): %s\n",
		taskID, res.Dispatch.Classification.Intent, res.Dispatch.Classification.Source,
		res.Dispatch.Classification.Confidence, res.Dispatch.Classification.Reason)
	if taskID == "" {
		fmt.Printf("foreground navigation to %s (no task spawned)\n", res.Dispatch.NormalizedURL)
		return nil
	}

	events, unsub := rt.orch.OnStatus(taskID)
	defer unsub()
	if task, ok := rt.orch.GetTask(taskID); ok && task.IsTerminal() {
		return reportOutcome(task)
	}

	for {
		select {
		case ev := <-events:
			printEvent(ev)
			if ev.Kind == model.StatusSched && ev.Scheduler != nil {
				switch ev.Scheduler.Event {
				case model.SchedSucceeded, model.SchedFailed:
					task, _ := rt.orch.GetTask(taskID)
					return reportOutcome(task)
				}
			}
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for task %s", taskID)
		}
	}
}

func printEvent(ev model.StatusEvent) {
	switch ev.Kind {
	case model.StatusQueue:
		fmt.Printf("  [queue] %s depth=%d available=%d inUse=%d\n", ev.Queue.Event, ev.Queue.QueueDepth, ev.Queue.Available, ev.Queue.InUse)
	case model.StatusState:
		fmt.Printf("  [state] %s -> %s (step %d)\n", ev.State.From, ev.State.To, ev.State.Step)
	case model.StatusSched:
		fmt.Printf("  [scheduler] %s\n", ev.Scheduler.Event)
	case model.StatusSubtask:
		fmt.Printf("  [subtask %d/%d] %s: %s\n", ev.Subtask.CurrentSubtaskIndex+1, ev.Subtask.TotalSubtasks, ev.Subtask.Status, ev.Subtask.SubtaskIntent)
	}
}

func reportOutcome(task *model.Task) error {
	if task == nil {
		return fmt.Errorf("task vanished from bookkeeping before completion")
	}
	if task.Status == model.TaskSucceeded {
		fmt.Printf("succeeded at %s\n", task.FinalURL)
		return nil
	}
	if task.Error != nil {
		return fmt.Errorf("task failed: %s", task.Error.Error())
	}
	return fmt.Errorf("task ended in status %s", task.Status)
}
