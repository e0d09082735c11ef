package sink

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/llm"
)

var (
	_ chain.Sink      = (*File)(nil)
	_ chain.Sink      = (*Console)(nil)
	_ chain.Presenter = (*Console)(nil)
	_ chain.Sink      = (*Redis)(nil)
	_ chain.Sink      = (*Multi)(nil)
	_ chain.Presenter = (*Multi)(nil)
)

func TestFileWrite(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir)
	ctx := context.Background()

	require.NoError(t, f.Write(ctx, "article.md", "first"))
	require.NoError(t, f.Write(ctx, "article.md", "second"))
	require.NoError(t, f.Write(ctx, "nested/plan.json", "{}"))

	data, err := os.ReadFile(filepath.Join(dir, "article.md"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "nested", "plan.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFileRejectsEscapes(t *testing.T) {
	f := NewFile(t.TempDir())
	for _, id := range []string{"", "../out.txt", "/etc/passwd", "a/../../b"} {
		assert.Error(t, f.Write(context.Background(), id, "x"), id)
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c, err := NewConsole(&buf, false, nil)
	require.NoError(t, err)

	c.Display(context.Background(), "outline", llm.PromptResult{Text: "1. intro\n", Handle: llm.ModelHandle{Name: "haiku"}})
	require.NoError(t, c.Write(context.Background(), "article.md", "# Title"))

	out := buf.String()
	assert.Contains(t, out, "== outline (haiku) ==\n1. intro\n")
	assert.Contains(t, out, "== output: article.md ==\n# Title\n")
}

func TestConsoleRender(t *testing.T) {
	var buf bytes.Buffer
	c, err := NewConsole(&buf, true, nil)
	require.NoError(t, err)

	require.NoError(t, c.Write(context.Background(), "a.md", "# Heading\n\nSome **bold** text"))
	out := buf.String()
	assert.Contains(t, out, "== output: a.md ==")
	assert.Contains(t, out, "Heading")
	assert.Contains(t, out, "bold")
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, backend.NewClient(&backend.Options{Addr: mr.Addr()})
}

func TestRedis(t *testing.T) {
	mr, client := newRedis(t)
	r := NewRedis(client, "test:", time.Hour)
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, "report.md", "body"))
	got, err := r.Read(ctx, "report.md")
	require.NoError(t, err)
	assert.Equal(t, "body", got)
	assert.Equal(t, time.Hour, mr.TTL("test:artifact:report.md"))

	_, err = r.Read(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Error(t, r.Write(ctx, "", "x"))
}

type failingSink struct{}

func (failingSink) Write(context.Context, string, string) error { return errors.New("disk full") }

func TestMulti(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	console, err := NewConsole(&buf, false, nil)
	require.NoError(t, err)

	m := NewMulti(NewFile(dir), nil, console, failingSink{})
	err = m.Write(context.Background(), "out.txt", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	data, rerr := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, rerr)
	assert.Equal(t, "hello", string(data))

	m.Display(context.Background(), "step", llm.PromptResult{Text: "shown"})
	assert.Equal(t, 1, strings.Count(buf.String(), "== step =="))
}
