package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnchat/pkg/cmds/cmdlayers"
	"github.com/go-go-golems/turnchat/pkg/eventbus"
	"github.com/go-go-golems/turnchat/pkg/transcript"
	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

type StreamCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*StreamCommand)(nil)

// OutputSettings are the flags shared by stream and ask.
type OutputSettings struct {
	ThreadID string `glazed:"thread-id"`
	JSON     bool   `glazed:"json"`
	Render   bool   `glazed:"render"`
	Copy     bool   `glazed:"copy"`
	Stats    bool   `glazed:"stats"`
	Model    string `glazed:"model"`
	Publish  bool   `glazed:"publish"`
	SaveDB   string `glazed:"save-db"`
}

type StreamSettings struct {
	TurnID string `glazed:"turn-id"`
}

const outputSlug = "turnchat-output"

func newOutputSection() (schema.Section, error) {
	return schema.NewSection(
		outputSlug,
		"Turn output",
		schema.WithFields(
			fields.New("thread-id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Thread the turn belongs to (used for --publish and --save-db)")),
			fields.New("json", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Print every stream event as a JSON line")),
			fields.New("render", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Render the final message as markdown when stdout is a terminal")),
			fields.New("copy", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Copy the final message to the clipboard")),
			fields.New("stats", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Print token statistics of the final message")),
			fields.New("model", fields.TypeString, fields.WithDefault("gpt-4o"), fields.WithHelp("Model used for --stats when the stream does not name one")),
			fields.New("publish", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Publish stream events on the event bus")),
			fields.New("save-db", fields.TypeString, fields.WithDefault(""), fields.WithHelp("SQLite file to persist the thread transcript into")),
		),
	)
}

func clientSections() ([]schema.Section, error) {
	client, err := cmdlayers.NewClientSection()
	if err != nil {
		return nil, errors.Wrap(err, "build client section")
	}
	redis, err := eventbus.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	output, err := newOutputSection()
	if err != nil {
		return nil, errors.Wrap(err, "build output section")
	}
	return []schema.Section{output, client, redis}, nil
}

func NewStreamCommand() (*StreamCommand, error) {
	sections, err := clientSections()
	if err != nil {
		return nil, err
	}
	return &StreamCommand{
		CommandDescription: cmds.NewCommandDescription(
			"stream",
			cmds.WithShort("Stream the assistant message of a turn"),
			cmds.WithLong("Connect to /turn/<turn-id>/chat and print the assistant message as it is assembled."),
			cmds.WithArguments(
				fields.New("turn-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Turn to stream")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *StreamCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	s := &StreamSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init stream settings")
	}
	ts, err := decodeTurnSettings(parsedLayers)
	if err != nil {
		return err
	}
	return runTurn(ctx, w, ts, s.TurnID, nil)
}

// turnSettings is everything runTurn needs, decoded from the sections of
// stream and ask.
type turnSettings struct {
	Output OutputSettings
	Client *cmdlayers.ClientSettings
	Redis  eventbus.Settings
}

func decodeTurnSettings(parsedLayers *values.Values) (*turnSettings, error) {
	ts := &turnSettings{}
	if err := parsedLayers.DecodeSectionInto(outputSlug, &ts.Output); err != nil {
		return nil, errors.Wrap(err, "init output settings")
	}
	client, err := cmdlayers.DecodeClientSettings(parsedLayers)
	if err != nil {
		return nil, err
	}
	ts.Client = client
	if err := parsedLayers.DecodeSectionInto(eventbus.SectionSlug, &ts.Redis); err != nil {
		return nil, errors.Wrap(err, "init redis settings")
	}
	return ts, nil
}

// runTurn streams turnID to w with every output option wired in. seed is
// recorded in the transcript before the stream starts.
func runTurn(
	ctx context.Context,
	w io.Writer,
	ts *turnSettings,
	turnID string,
	seed []turnstream.ChatMessage,
) error {
	s := ts.Output
	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		return errors.New("turn id is required")
	}
	threadID := strings.TrimSpace(s.ThreadID)
	if threadID == "" {
		threadID = turnID
	}
	logger := log.With().Str("thread_id", threadID).Str("turn_id", turnID).Logger()

	streamer, err := ts.Client.NewStreamer(logger)
	if err != nil {
		return errors.Wrap(err, "create streamer")
	}

	printer := newTurnPrinter(w, threadID, turnID)
	printer.json = s.JSON
	render := s.Render && !s.JSON && isatty.IsTerminal(os.Stdout.Fd())
	printer.quiet = render
	handlers := []turnstream.Handler{printer.Handler()}

	if s.Publish {
		bus, err := eventbus.Build(ts.Redis, eventbus.WithLogger(logger))
		if err != nil {
			return errors.Wrap(err, "create event bus")
		}
		defer func() { _ = bus.Close() }()
		handlers = append(handlers, bus.Sink(threadID, turnID))
	}

	if s.SaveDB != "" {
		store, err := openTranscriptStore(s.SaveDB)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		binder := transcript.NewBinder(transcript.NewState(), store)
		binder.Logger = &logger
		if err := binder.Restore(ctx, threadID); err != nil {
			return errors.Wrap(err, "restore transcript")
		}
		for _, msg := range seed {
			binder.State.AddMessage(threadID, msg)
		}
		// the transcript is saved before the other handlers see done
		handlers = append([]turnstream.Handler{binder.Handler(ctx, threadID)}, handlers...)
	}

	if !streamer.Start(ctx, turnID, turnstream.Fanout(handlers...)) {
		return errors.Errorf("could not start stream for turn %q", turnID)
	}
	if err := streamer.Wait(ctx); err != nil {
		streamer.Stop()
		return err
	}
	if err := printer.Err(); err != nil {
		return err
	}
	if !printer.Done() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Errorf("stream for turn %q ended before completion", turnID)
	}

	final := printer.Content()
	if render {
		styled, err := renderMarkdown(final, terminalWidth(os.Stdout))
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, styled); err != nil {
			return err
		}
	}
	if s.Copy {
		if err := copyToClipboard(final); err != nil {
			return err
		}
		logger.Debug().Int("chars", len(final)).Msg("copied final message to clipboard")
	}
	if s.Stats {
		stats, err := collectStats(printer, s.Model)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
		if err := stats.Fprint(w); err != nil {
			return err
		}
	}
	return nil
}
