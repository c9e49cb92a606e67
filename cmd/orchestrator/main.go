package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/snp-guest-orchestrator/cmd/flags"
	"github.com/ruteri/snp-guest-orchestrator/common"
	"github.com/ruteri/snp-guest-orchestrator/measure"
	"github.com/ruteri/snp-guest-orchestrator/workflow"
)

// Exit codes. Usage errors get their own code so scripts can tell a bad
// invocation apart from a failed or mismatched run.
const (
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	app := &cli.App{
		Name:    "snp-orchestrator",
		Usage:   "provision a host, launch a memory-encrypted guest and verify its launch measurement",
		Version: common.Version,
		Flags:   flags.LogFlags,
		Commands: []*cli.Command{
			phaseCommand(workflow.PhaseSetupHost,
				"verify host SEV-SNP support and resolve boot artifacts"),
			phaseCommand(workflow.PhaseLaunchGuest,
				"provision (if needed) and launch the memory-encrypted guest"),
			phaseCommand(workflow.PhaseAttestGuest,
				"verify the running guest's launch measurement"),
			phaseCommand(workflow.PhaseStopGuests,
				"terminate the working directory's guests and confirm none remain"),
		},
		CommandNotFound: func(cCtx *cli.Context, name string) {
			fmt.Fprintf(cCtx.App.ErrWriter, "unknown phase %q\n", name)
			cli.ShowAppHelp(cCtx)
			os.Exit(exitUsage)
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitFailure
		var usageErr *workflow.UsageError
		if errors.As(err, &usageErr) {
			code = exitUsage
		}
		var mismatch *measure.MismatchError
		if errors.As(err, &mismatch) {
			fmt.Fprintln(os.Stderr, "measurements do not match")
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(code)
	}
}

func phaseCommand(phase workflow.Phase, usage string) *cli.Command {
	return &cli.Command{
		Name:  string(phase),
		Usage: usage,
		Flags: flags.ConfigFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			return runPhase(cCtx.Context, logger, cCtx, phase)
		},
	}
}

func runPhase(ctx context.Context, logger *slog.Logger, cCtx *cli.Context, phase workflow.Phase) error {
	cfg, err := flags.BuildConfig(cCtx)
	if err != nil {
		return &workflow.UsageError{Msg: err.Error()}
	}
	engine := workflow.New(cfg, logger)
	return engine.Run(ctx, phase)
}
