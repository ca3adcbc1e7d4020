package main

import (
	"os"
	"os/signal"

	"github.com/engramlabs/engram/internal/transport/cli"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/srv"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long:  `Opens the interactive loop on the configured conversation. Older turns are consolidated into memory in the background as the conversation grows.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		// logger setup
		var flushLog func()
		ctx, flushLog = setupLogger(ctx)
		defer flushLog()

		logger := log.FromCtx(ctx)
		logger.Info().Msg("starting engram")

		a := newApp(ctx)

		readLine, err := cli.NewReadLine(a.engine, a.turns, a.appCfg, a.memCfg, stop)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize chat loop")
		}

		services := append([]srv.Service{readLine}, a.cleanup...)

		srv.StartServices(ctx, services)
		srv.ShutdownServices(ctx, services)
		logger.Info().Msg("engram has been shut down gracefully")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
