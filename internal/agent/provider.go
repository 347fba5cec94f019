package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/quorralabs/warden/internal/config"
	"github.com/quorralabs/warden/internal/mediator"
	"github.com/quorralabs/warden/internal/session"
)

// DefaultProviderFactory picks the model backend from the config: a
// remote API when a key is configured, the local provider otherwise.
var DefaultProviderFactory ProviderFactory = func(cfg *config.Config) (Provider, error) {
	if cfg.Provider.APIKey != "" {
		return newAPIProvider(cfg)
	}
	return &localProvider{}, nil
}

// parseToolUses extracts slash-command tool requests from reply text
// and returns them with the remaining plain lines:
//
//	/read <path>
//	/write <path> <content>
//	/run <command>
//
// Malformed command lines are kept as plain text.
func parseToolUses(text string) ([]ToolUse, string) {
	var uses []ToolUse
	var rest []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "/read "):
			uses = append(uses, ToolUse{
				Kind: mediator.ActionReadFile,
				Path: strings.TrimSpace(strings.TrimPrefix(trimmed, "/read ")),
			})
		case strings.HasPrefix(trimmed, "/write "):
			body := strings.TrimSpace(strings.TrimPrefix(trimmed, "/write "))
			path, content, ok := strings.Cut(body, " ")
			if !ok {
				rest = append(rest, line)
				continue
			}
			uses = append(uses, ToolUse{
				Kind:    mediator.ActionApplyEdit,
				Path:    path,
				Content: content,
			})
		case strings.HasPrefix(trimmed, "/run "):
			uses = append(uses, ToolUse{
				Kind:    mediator.ActionRunCommand,
				Command: strings.TrimSpace(strings.TrimPrefix(trimmed, "/run ")),
			})
		default:
			rest = append(rest, line)
		}
	}
	return uses, strings.TrimSpace(strings.Join(rest, "\n"))
}

// localProvider turns slash commands into tool uses and echoes
// everything else. It keeps the full mediation pipeline exercisable
// without a model backend.
type localProvider struct{}

func (p *localProvider) Complete(ctx context.Context, history []session.Event, prompt string) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Tool results come back as a second Complete call; report them
	// verbatim and end the turn.
	if len(history) > 0 && history[len(history)-1].Kind == session.EventToolResult {
		return &Reply{Text: prompt}, nil
	}

	trimmed := strings.TrimSpace(prompt)
	if uses, _ := parseToolUses(trimmed); len(uses) > 0 {
		return &Reply{ToolUses: uses}, nil
	}
	if strings.HasPrefix(trimmed, "/write ") {
		return &Reply{Text: "usage: /write <path> <content>"}, nil
	}

	return &Reply{Text: fmt.Sprintf("echo: %s", prompt)}, nil
}

func (p *localProvider) Close() {}
