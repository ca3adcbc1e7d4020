package main

import (
	"fmt"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/internal/providers/llm"
	"github.com/engramlabs/engram/internal/service/ui"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models offered by the configured provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var flushLog func()
		ctx, flushLog = setupLogger(ctx)
		defer flushLog()

		logger := log.FromCtx(ctx)

		if err := initEnv(ctx, config.GetRuntimePath()); err != nil {
			logger.Fatal().Err(err).Msg("failed to init env")
		}
		appCfg := config.NewAppConfig(ctx)

		provider, err := llm.NewProvider(ctx, appCfg)
		if err != nil {
			return err
		}
		lister, ok := provider.(core.ModelLister)
		if !ok {
			return fmt.Errorf("provider %q does not support model listing", appCfg.Provider)
		}

		models, err := lister.Models(ctx)
		if err != nil {
			return fmt.Errorf("list models: %w", err)
		}

		fmt.Println(ui.TitleStyle.Render(fmt.Sprintf("Models (%s):", appCfg.Provider)))
		for _, m := range models {
			line := m.ID
			if m.ContextLength > 0 {
				line += ui.DescStyle.Render(fmt.Sprintf("  (context: %d)", m.ContextLength))
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
