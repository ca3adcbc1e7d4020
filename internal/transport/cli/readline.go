package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/internal/service/chat"
	"github.com/engramlabs/engram/internal/service/ui"
	"github.com/engramlabs/engram/pkg/log"
)

// ReadLine is the interactive chat loop. One instance serves one
// conversation; the conversation id comes from AppConfig so a restart
// resumes where the last session left off.
type ReadLine struct {
	appCfg *config.AppConfig
	memCfg *config.MemoryConfig
	engine *chat.Engine
	turns  core.TurnRepository
	rl     *readline.Instance

	// stop cancels the root context once the user exits, so the
	// service runner can proceed to shutdown.
	stop func()
}

func NewReadLine(
	engine *chat.Engine,
	turns core.TurnRepository,
	appCfg *config.AppConfig,
	memCfg *config.MemoryConfig,
	stop func(),
) (*ReadLine, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ">>> ",
		HistoryFile:     filepath.Join(appCfg.GetRuntimePath(), "input_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, err
	}

	return &ReadLine{
		appCfg: appCfg,
		memCfg: memCfg,
		engine: engine,
		turns:  turns,
		rl:     rl,
		stop:   stop,
	}, nil
}

func (r *ReadLine) Start(ctx context.Context) error {
	defer r.stop()

	logger := log.FromCtx(ctx)
	conversationID := r.appCfg.ConversationID
	logger.Info().Str("conversation", conversationID).Msg("chat started, type 'exit' to quit")

	// Resume the running length so the cap survives restarts.
	all, err := r.turns.AllTurns(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	length := len(all)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if r.memCfg.MaxConversationLength > 0 && length >= r.memCfg.MaxConversationLength {
			fmt.Fprintln(r.rl.Stdout(), ui.NoticeStyle.Render("conversation length limit reached, start a new conversation"))
			return nil
		}

		line, err := r.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if len(line) == 0 {
					return nil
				}
				continue
			} else if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "exit" {
			return nil
		}
		if line == "" {
			continue
		}

		response, err := r.engine.ProcessTurn(ctx, conversationID, line)
		if err != nil {
			logger.Error().Err(err).Msg("turn failed")
			fmt.Fprintf(r.rl.Stdout(), "Error: %v\n", err)
			continue
		}
		length += 2

		style := ui.ResponseStyle
		if response == chat.DegradedResponse {
			style = ui.NoticeStyle
		}
		fmt.Fprintln(r.rl.Stdout(), style.Render(response))
	}
}

// Shutdown drains the conversation's background queue before closing,
// so a consolidation triggered by the last exchange is not lost.
func (r *ReadLine) Shutdown(ctx context.Context) error {
	r.engine.Flush(r.appCfg.ConversationID)
	if r.rl != nil {
		return r.rl.Close()
	}
	return nil
}
