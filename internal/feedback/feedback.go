// Package feedback provides sources of human feedback for iterative
// pipelines: an interactive terminal, an in-process queue, and a watched
// file that a person (or another program) appends lines to.
//
// Every source implements chain.FeedbackSource. A source reports io.EOF
// when it runs dry and chain.ErrAborted when the human gives up.
package feedback

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/bimmerbailey/strand/internal/chain"
)

// Prompt is shown before each interactive read.
const Prompt = "Iterate on result or type '" + chain.DoneSentinel + "' to finish: "

// ErrAborted is chain.ErrAborted, re-exported for source implementations.
var ErrAborted = chain.ErrAborted

type line struct {
	text string
	err  error
}

// LineSource reads one feedback message per line from a reader.
type LineSource struct {
	r      io.Reader
	prompt io.Writer
	once   sync.Once
	lines  chan line
}

// NewLineSource reads from r. When prompt is non-nil, Prompt is written to
// it before each read.
func NewLineSource(r io.Reader, prompt io.Writer) *LineSource {
	return &LineSource{r: r, prompt: prompt, lines: make(chan line)}
}

// Stdin returns a LineSource on standard input that prompts on standard
// error when standard input is a terminal.
func Stdin() *LineSource {
	var prompt io.Writer
	if term.IsTerminal(int(os.Stdin.Fd())) {
		prompt = os.Stderr
	}
	return NewLineSource(os.Stdin, prompt)
}

// Next implements chain.FeedbackSource. A canceled read leaves the reader
// goroutine blocked until the next line arrives, which is harmless for
// standard input.
func (s *LineSource) Next(ctx context.Context) (string, error) {
	s.once.Do(func() { go s.scan() })

	if s.prompt != nil {
		fmt.Fprint(s.prompt, Prompt)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-s.lines:
		if !ok {
			return "", io.EOF
		}
		return l.text, l.err
	}
}

func (s *LineSource) scan() {
	defer close(s.lines)

	scanner := bufio.NewScanner(s.r)
	for scanner.Scan() {
		s.lines <- line{text: strings.TrimRight(scanner.Text(), "\r")}
	}
	if err := scanner.Err(); err != nil {
		s.lines <- line{err: fmt.Errorf("read feedback: %w", err)}
	}
}

// QueueSource is an in-process feedback channel, for tests and for callers
// that collect feedback elsewhere.
type QueueSource struct {
	mu      sync.Mutex
	closed  bool
	ch      chan string
	aborted chan struct{}
	abort   sync.Once
}

// NewQueue returns a queue that buffers up to size messages.
func NewQueue(size int) *QueueSource {
	return &QueueSource{ch: make(chan string, size), aborted: make(chan struct{})}
}

// FromMessages returns a closed queue holding messages, which ends with
// io.EOF once they are consumed.
func FromMessages(messages ...string) *QueueSource {
	q := NewQueue(len(messages))
	for _, m := range messages {
		q.ch <- m
	}
	q.Close()
	return q
}

// Send queues a message, blocking while the queue is full.
func (q *QueueSource) Send(ctx context.Context, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("send feedback: queue closed")
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the queue. Queued messages are still delivered, then Next
// returns io.EOF.
func (q *QueueSource) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Abort makes every following Next return ErrAborted.
func (q *QueueSource) Abort() {
	q.abort.Do(func() { close(q.aborted) })
}

// Next implements chain.FeedbackSource.
func (q *QueueSource) Next(ctx context.Context) (string, error) {
	select {
	case <-q.aborted:
		return "", ErrAborted
	default:
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.aborted:
		return "", ErrAborted
	case msg, ok := <-q.ch:
		if !ok {
			return "", io.EOF
		}
		return msg, nil
	}
}
