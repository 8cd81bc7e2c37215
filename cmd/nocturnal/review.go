package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve <branch>",
	Short: "Approve a branch pending review and merge it into the night-main integration branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := reviewApp()
		if err != nil {
			return err
		}
		if err := a.quality.ApproveBranch(context.Background(), args[0]); err != nil {
			return runtimeErr(fmt.Errorf("approving %s: %w", args[0], err))
		}
		fmt.Printf("%s approved and merged\n", args[0])
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <branch>",
	Short: "Reject a branch pending review and abandon it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := reviewApp()
		if err != nil {
			return err
		}
		if err := a.quality.RejectBranch(args[0]); err != nil {
			return runtimeErr(fmt.Errorf("rejecting %s: %w", args[0], err))
		}
		fmt.Printf("%s rejected and abandoned\n", args[0])
		return nil
	},
}

var deferCmd = &cobra.Command{
	Use:   "defer <branch>",
	Short: "Leave a branch pending review for a later invocation to decide",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := reviewApp()
		if err != nil {
			return err
		}
		if err := a.quality.DeferBranch(args[0]); err != nil {
			return runtimeErr(fmt.Errorf("deferring %s: %w", args[0], err))
		}
		fmt.Printf("%s still pending review\n", args[0])
		return nil
	},
}

func reviewApp() (*app, error) {
	if err := requireProjectRoot(); err != nil {
		return nil, err
	}
	a, err := buildApp(configPath, projectRoot)
	if err != nil {
		return nil, validationErr(err)
	}
	return a, nil
}
