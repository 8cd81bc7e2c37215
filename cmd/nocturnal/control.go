package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the queue and return every running task to pending",
	RunE:  withQueue(func(a *app) error { return a.queue.Stop() }),
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the queue: running tasks finish, no new task is dequeued",
	RunE:  withQueue(func(a *app) error { return a.queue.Pause() }),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused queue",
	RunE:  withQueue(func(a *app) error { return a.queue.Resume() }),
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Enter or exit maintenance mode",
}

var maintenanceEnterCmd = &cobra.Command{
	Use:   "enter",
	Short: "Enter maintenance mode: the next start refuses to schedule any task",
	RunE: withQueue(func(a *app) error {
		_ = a.queue.Drain()
		return repository.NewJSONFile(nil, controlPath(projectRoot)).Save(&controlState{Maintenance: true})
	}),
}

var maintenanceExitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Exit maintenance mode, resuming normal scheduling on the next start",
	RunE: withQueue(func(a *app) error {
		_ = a.queue.Resume()
		return repository.NewJSONFile(nil, controlPath(projectRoot)).Save(&controlState{Maintenance: false})
	}),
}

func init() {
	maintenanceCmd.AddCommand(maintenanceEnterCmd, maintenanceExitCmd)
}

// withQueue builds the full app (loading config is cheap and keeps
// every subcommand's object graph construction identical) and applies
// fn to it, wrapping build/apply failures with the right exit code.
func withQueue(fn func(a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := requireProjectRoot(); err != nil {
			return err
		}
		a, err := buildApp(configPath, projectRoot)
		if err != nil {
			return validationErr(err)
		}
		if err := fn(a); err != nil {
			return runtimeErr(fmt.Errorf("%w", err))
		}
		return nil
	}
}
