package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/bimmerbailey/strand/internal/llm"
)

// Console prints step results and final artifacts. With rendering on,
// text is rendered as markdown for a terminal.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	render func(string) (string, error)
	logger *slog.Logger
}

// NewConsole creates a Console on w. Markdown rendering is used when
// render is set; callers decide that from TTY detection and config.
func NewConsole(w io.Writer, render bool, logger *slog.Logger) (*Console, error) {
	c := &Console{w: w, logger: logger}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if render {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err != nil {
			return nil, fmt.Errorf("create markdown renderer: %w", err)
		}
		c.render = r.Render
	}
	return c, nil
}

// Display implements chain.Presenter.
func (c *Console) Display(ctx context.Context, step string, result llm.PromptResult) {
	header := step
	if result.Handle.Name != "" {
		header = fmt.Sprintf("%s (%s)", step, result.Handle.Name)
	}
	c.print(header, result.Text)
}

// Write implements chain.Sink.
func (c *Console) Write(ctx context.Context, id, content string) error {
	return c.print("output: "+id, content)
}

func (c *Console) print(header, text string) error {
	body := text
	if c.render != nil {
		rendered, err := c.render(text)
		if err != nil {
			c.logger.Debug("markdown rendering failed, printing raw text", "error", err)
		} else {
			body = rendered
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "\n== %s ==\n%s\n", header, strings.TrimRight(body, "\n"))
	return err
}
