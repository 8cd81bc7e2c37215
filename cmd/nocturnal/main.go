package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitValidation and exitRuntime are the non-zero exit codes spec.md
// §6 requires: 1 for a caller/config mistake, 2 for a failure inside
// an otherwise well-formed run.
const (
	exitValidation = 1
	exitRuntime    = 2
)

var (
	projectRoot string
	configPath  string
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		if code, ok := exitCodeOf(err); ok {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitRuntime
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "nocturnal",
	Short: "CLI for the nocturnal overnight development agent",
	Long: `nocturnal drives an overnight development agent session in-process:
it schedules tasks inside a configured night window, executes them on
isolated branches under quality and safety control, and reports the
outcome in the morning.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectRoot, "project", "", "project root directory (required)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML (default ~/.config/nocturnal/config.yaml)")

	rootCmd.AddCommand(startCmd, stopCmd, pauseCmd, resumeCmd, maintenanceCmd, statusCmd, reportCmd, approveCmd, rejectCmd, deferCmd)
}

// exitErr carries an explicit exit code through cobra's plain error
// return, since RunE only returns error.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func validationErr(err error) error { return &exitErr{code: exitValidation, err: err} }
func runtimeErr(err error) error    { return &exitErr{code: exitRuntime, err: err} }

func exitCodeOf(err error) (int, bool) {
	var e *exitErr
	for err != nil {
		if ee, ok := err.(*exitErr); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0, false
	}
	return e.code, true
}

func requireProjectRoot() error {
	if projectRoot == "" {
		return validationErr(fmt.Errorf("--project is required"))
	}
	return nil
}
