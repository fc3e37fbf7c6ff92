package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ntt-orchestrator/internal/adapter"
	"github.com/ntt-orchestrator/internal/config"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/notify"
	"github.com/ntt-orchestrator/internal/ntt"
	"github.com/ntt-orchestrator/internal/pipeline"
	"github.com/ntt-orchestrator/internal/queue"
	"github.com/ntt-orchestrator/internal/retry"
)

func commandLogger(s settings) *logging.Logger {
	return logging.NewLoggerWithOutput(logging.ParseLogLevel(s.LogLevel), logging.FormatText, os.Stderr)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runUpdateLimits(cmd *cobra.Command, args []string) error {
	in := args[0]
	out := in
	if len(args) == 2 {
		out = args[1]
	}

	d, err := ntt.ReadDeployment(in)
	if err != nil {
		return err
	}
	if err := ntt.WriteDeployment(out, ntt.UpdateLimits(d)); err != nil {
		return err
	}
	printf(cmd, "Limits updated for %d chains: %s\n", len(d.Chains), out)
	return nil
}

func runNotifyFrontend(cmd *cobra.Command, args []string) error {
	s, err := commandSettings(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	client := notify.NewClient(cfg.Frontend, commandLogger(s))
	err = pipeline.NotifyProject(ctx, client, pipeline.NotifyParams{
		ProjectFilePath: args[0],
		Network:         args[1],
		TokenAddress:    args[2],
	})
	if err != nil {
		return err
	}
	printf(cmd, "Frontend notified for %s on %s\n", args[2], args[1])
	return nil
}

func runSetMinter(cmd *cobra.Command, args []string) error {
	s, err := commandSettings(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := commandLogger(s)

	d, err := ntt.ReadDeployment(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	chains := adapter.NewChainSet(&adapter.ChainSetConfig{
		Chains: cfg.Chains,
		Dial:   adapter.DialEthClient,
		Retry:  retry.DefaultRetryConfig(),
		Logger: logger,
	})
	defer chains.Close()

	updates, err := pipeline.SetMinters(ctx, chains, d)
	for _, u := range updates {
		printf(cmd, "%s (%s): minter of %s set to %s in %s\n", u.Chain, u.ChainID, u.Token, u.Manager, u.TxHash)
	}
	return err
}

func runStartTask(cmd *cobra.Command, args []string) error {
	s, err := commandSettings(cmd)
	if err != nil {
		return err
	}

	var params json.RawMessage
	if s.Params != "" {
		if !json.Valid([]byte(s.Params)) {
			return fmt.Errorf("--params must be valid JSON")
		}
		params = json.RawMessage(s.Params)
	}

	callID, err := newAPIClient(s.APIURL, s.Timeout).StartTask(cmd.Context(), args[0], params)
	if err != nil {
		return err
	}
	printf(cmd, "%s\n", callID)
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	s, err := commandSettings(cmd)
	if err != nil {
		return err
	}

	call, err := newAPIClient(s.APIURL, s.Timeout).TaskStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(call)
}

func runExportJobs(cmd *cobra.Command, args []string) error {
	s, err := commandSettings(cmd)
	if err != nil {
		return err
	}
	format := queue.FormatJSON
	if s.Format == queue.FormatCSV {
		format = queue.FormatCSV
	}

	path, err := newAPIClient(s.APIURL, s.Timeout).ExportJobs(cmd.Context(), format)
	if err != nil {
		return err
	}
	printf(cmd, "%s\n", path)
	return nil
}
