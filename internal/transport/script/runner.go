package script

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/engramlabs/engram/internal/service/chat"
	"github.com/engramlabs/engram/internal/service/ui"
	"github.com/engramlabs/engram/pkg/log"
)

// Runner replays a scripted transcript through the turn engine, one
// line per user message. Useful for driving long conversations past
// the consolidation threshold without typing them in.
//
// Script format: one user message per line, blank lines and lines
// starting with '#' are skipped.
type Runner struct {
	engine         *chat.Engine
	conversationID string
	path           string
}

func NewRunner(engine *chat.Engine, conversationID, path string) *Runner {
	return &Runner{
		engine:         engine,
		conversationID: conversationID,
		path:           path,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	logger := log.FromCtx(ctx)

	prompts, err := loadScript(r.path)
	if err != nil {
		return err
	}
	logger.Info().
		Str("conversation", r.conversationID).
		Int("prompts", len(prompts)).
		Msg("replaying script")

	for i, prompt := range prompts {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fmt.Println(ui.DescStyle.Render(">>> " + prompt))
		response, err := r.engine.ProcessTurn(ctx, r.conversationID, prompt)
		if err != nil {
			return fmt.Errorf("replay stopped at prompt %d: %w", i+1, err)
		}

		style := ui.ResponseStyle
		if response == chat.DegradedResponse {
			style = ui.NoticeStyle
		}
		fmt.Println(style.Render(response))
	}

	// Let a consolidation triggered by the tail of the script finish.
	r.engine.Flush(r.conversationID)
	logger.Info().Msg("replay finished")
	return nil
}

func loadScript(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()

	var prompts []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return prompts, nil
}
