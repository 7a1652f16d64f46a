package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
	"golang.org/x/term"

	"github.com/go-go-golems/turnchat/pkg/eventbus"
	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

// turnPrinter writes a streamed turn to w as it arrives and keeps the
// assembled text. In JSON mode every callback becomes one envelope line.
// With quiet set nothing is written until the caller asks for it.
type turnPrinter struct {
	w        io.Writer
	json     bool
	quiet    bool
	threadID string
	turnID   string

	mu      sync.Mutex
	content strings.Builder
	model   string
	sources int
	started bool
	done    bool
	err     error
}

func newTurnPrinter(w io.Writer, threadID, turnID string) *turnPrinter {
	return &turnPrinter{w: w, threadID: threadID, turnID: turnID}
}

func (p *turnPrinter) Handler() turnstream.Handler {
	return turnstream.Handler{
		OnStreamStart: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.started = true
			p.emit(eventbus.Envelope{Kind: eventbus.KindStreamStart}, "")
		},
		OnChunk: func(ev turnstream.DeltaEvent) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.content.WriteString(ev.TextDelta)
			if ev.Model != "" {
				p.model = ev.Model
			}
			if len(ev.Sources) > 0 {
				p.sources = len(ev.Sources)
			}
			p.emit(eventbus.Envelope{Kind: eventbus.KindChunk, Delta: &ev}, ev.TextDelta)
		},
		OnMessage: func(msg turnstream.ChatMessage) {
			p.mu.Lock()
			defer p.mu.Unlock()
			// a full message replaces the text; print only what is new
			prev := p.content.String()
			text := msg.Content
			if strings.HasPrefix(text, prev) {
				text = text[len(prev):]
			} else if prev != "" {
				text = "\n" + text
			}
			p.content.Reset()
			p.content.WriteString(msg.Content)
			if msg.Model != "" {
				p.model = msg.Model
			}
			if len(msg.Sources) > 0 {
				p.sources = len(msg.Sources)
			}
			p.emit(eventbus.Envelope{Kind: eventbus.KindMessage, Message: &msg}, text)
		},
		OnDone: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.done = true
			text := ""
			if p.content.Len() > 0 {
				text = "\n"
			}
			p.emit(eventbus.Envelope{Kind: eventbus.KindDone}, text)
		},
	}
}

// emit must be called with mu held.
func (p *turnPrinter) emit(e eventbus.Envelope, text string) {
	if p.err != nil || p.quiet {
		return
	}
	if p.json {
		e.ThreadID = p.threadID
		e.TurnID = p.turnID
		b, err := json.Marshal(e)
		if err != nil {
			p.err = errors.Wrap(err, "encode event")
			return
		}
		_, p.err = fmt.Fprintln(p.w, string(b))
		return
	}
	if text != "" {
		_, p.err = io.WriteString(p.w, text)
	}
}

func (p *turnPrinter) Content() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content.String()
}

func (p *turnPrinter) Model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model
}

func (p *turnPrinter) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *turnPrinter) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type turnStats struct {
	Model    string
	Encoding string
	Tokens   int
	Chars    int
	Lines    int
	Sources  int
}

func collectStats(p *turnPrinter, fallbackModel string) (turnStats, error) {
	p.mu.Lock()
	text := p.content.String()
	model := p.model
	sources := p.sources
	p.mu.Unlock()
	if model == "" {
		model = fallbackModel
	}
	n, enc, err := countTokens(text, model)
	if err != nil {
		return turnStats{}, err
	}
	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
	}
	return turnStats{
		Model:    model,
		Encoding: string(enc),
		Tokens:   n,
		Chars:    len([]rune(text)),
		Lines:    lines,
		Sources:  sources,
	}, nil
}

func (s turnStats) Fprint(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Model: %s\nCodec: %s\nTotal tokens: %d\nCharacters: %d\nLines: %d\nSources: %d\n",
		s.Model, s.Encoding, s.Tokens, s.Chars, s.Lines, s.Sources)
	return err
}

func encodingForModel(model string) tokenizer.Encoding {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5-turbo"), strings.HasPrefix(model, "text-embedding-"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci-002"), strings.HasPrefix(model, "text-davinci-003"):
		return tokenizer.P50kBase
	default:
		return tokenizer.Cl100kBase
	}
}

func countTokens(text, model string) (int, tokenizer.Encoding, error) {
	enc := encodingForModel(model)
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return 0, enc, errors.Wrapf(err, "load codec %s", enc)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, enc, errors.Wrap(err, "error encoding output")
	}
	return len(ids), enc, nil
}

// renderMarkdown wraps to width when it is positive.
func renderMarkdown(text string, width int) (string, error) {
	if width <= 0 {
		styled, err := glamour.Render(text, "dark")
		if err != nil {
			return "", errors.Wrap(err, "render markdown")
		}
		return styled, nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", errors.Wrap(err, "create markdown renderer")
	}
	styled, err := r.Render(text)
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return styled, nil
}

func terminalWidth(f *os.File) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return w
}

func copyToClipboard(text string) error {
	if err := clipboard.WriteAll(text); err != nil {
		return errors.Wrap(err, "copy to clipboard")
	}
	return nil
}
