package main

import (
	"os"
	"os/signal"

	"github.com/engramlabs/engram/internal/transport/script"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <script-file>",
	Short: "Replay a scripted transcript through the engine",
	Long:  `Feeds a script of user messages through the full turn loop, one per line. Drives consolidation the same way an interactive session would.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		// logger setup
		var flushLog func()
		ctx, flushLog = setupLogger(ctx)
		defer flushLog()

		logger := log.FromCtx(ctx)

		a := newApp(ctx)
		defer func() {
			for _, s := range a.cleanup {
				if err := s.Shutdown(ctx); err != nil {
					logger.Error().Err(err).Msgf("%T failed to shutdown", s)
				}
			}
		}()

		runner := script.NewRunner(a.engine, a.appCfg.ConversationID, args[0])
		return runner.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
