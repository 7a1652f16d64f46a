package cmds

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnchat/pkg/cmds/cmdlayers"
	"github.com/go-go-golems/turnchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnchat/pkg/threadapi"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect threads on the chat server or in a local transcript database",
}

func AddThreadsToRootCommand(root *cobra.Command) {
	listCmd, err := NewThreadsListCommand()
	cobra.CheckErr(err)
	cobraListCmd, err := cli.BuildCobraCommand(listCmd)
	cobra.CheckErr(err)

	turnsCmd, err := NewThreadsTurnsCommand()
	cobra.CheckErr(err)
	cobraTurnsCmd, err := cli.BuildCobraCommand(turnsCmd)
	cobra.CheckErr(err)

	threadsCmd.AddCommand(cobraListCmd, cobraTurnsCmd)
	root.AddCommand(threadsCmd)
}

func glazeSections() ([]schema.Section, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	client, err := cmdlayers.NewClientSection()
	if err != nil {
		return nil, err
	}
	return []schema.Section{glazedLayer, commandSettingsLayer, client}, nil
}

type ThreadsListCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ThreadsListCommand)(nil)

type ThreadsListSettings struct {
	DB    string `glazed:"db"`
	Limit int    `glazed:"limit"`
}

func NewThreadsListCommand() (*ThreadsListCommand, error) {
	sections, err := glazeSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List threads"),
		cmds.WithLong("List the threads of the signed-in user, or the threads persisted in --db."),
		cmds.WithFlags(
			fields.New(
				"db",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite transcript file to read instead of the server"),
			),
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Max number of threads to list (0 = all)"),
			),
		),
		cmds.WithSections(sections...),
	)
	return &ThreadsListCommand{CommandDescription: desc}, nil
}

func (c *ThreadsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ThreadsListSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}

	if db := strings.TrimSpace(s.DB); db != "" {
		store, err := openTranscriptStore(db)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		records, err := store.ListThreads(ctx, s.Limit)
		if err != nil {
			return err
		}
		for _, r := range records {
			row := types.NewRow(
				types.MRP("thread_id", r.ThreadID),
				types.MRP("title", r.Title),
				types.MRP("messages", r.MessageCount),
				types.MRP("updated_at_ms", r.UpdatedAtMs),
			)
			if err := gp.AddRow(ctx, row); err != nil {
				return err
			}
		}
		return nil
	}

	api, err := newThreadClient(parsedLayers)
	if err != nil {
		return err
	}
	threads, err := api.ListThreads(ctx)
	if err != nil {
		return err
	}
	for i, t := range threads {
		if s.Limit > 0 && i >= s.Limit {
			break
		}
		row := types.NewRow(
			types.MRP("thread_id", t.ID),
			types.MRP("title", t.Title),
			types.MRP("user_id", t.UserID),
			types.MRP("created_at", t.CreatedAt),
			types.MRP("updated_at", t.UpdatedAt),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type ThreadsTurnsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ThreadsTurnsCommand)(nil)

type ThreadsTurnsSettings struct {
	ThreadID string `glazed:"thread-id"`
	DB       string `glazed:"db"`
}

func NewThreadsTurnsCommand() (*ThreadsTurnsCommand, error) {
	sections, err := glazeSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"turns",
		cmds.WithShort("List the messages of a thread, one row per message"),
		cmds.WithArguments(
			fields.New("thread-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Thread to inspect")),
		),
		cmds.WithFlags(
			fields.New(
				"db",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite transcript file to read instead of the server"),
			),
		),
		cmds.WithSections(sections...),
	)
	return &ThreadsTurnsCommand{CommandDescription: desc}, nil
}

func (c *ThreadsTurnsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ThreadsTurnsSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}

	if db := strings.TrimSpace(s.DB); db != "" {
		store, err := openTranscriptStore(db)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		msgs, err := store.LoadMessages(ctx, s.ThreadID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := gp.AddRow(ctx, messageRow("", m.ID, m.Type, m.Content, m.Timestamp, m.Model)); err != nil {
				return err
			}
		}
		return nil
	}

	api, err := newThreadClient(parsedLayers)
	if err != nil {
		return err
	}
	turns, err := api.ThreadTurns(ctx, s.ThreadID)
	if err != nil {
		return err
	}
	for _, t := range turns {
		for _, m := range t.Messages {
			if err := gp.AddRow(ctx, messageRow(t.ID, m.ID, m.Type, m.Content, m.Timestamp, m.Model)); err != nil {
				return err
			}
		}
	}
	return nil
}

func messageRow(turnID string, id int64, typ, content, ts, model string) types.Row {
	return types.NewRow(
		types.MRP("turn_id", turnID),
		types.MRP("message_id", id),
		types.MRP("type", typ),
		types.MRP("timestamp", ts),
		types.MRP("model", model),
		types.MRP("content", content),
	)
}

func newThreadClient(parsedLayers *values.Values) (*threadapi.Client, error) {
	client, err := cmdlayers.DecodeClientSettings(parsedLayers)
	if err != nil {
		return nil, err
	}
	api, err := client.NewThreadClient(log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "create thread client")
	}
	return api, nil
}

func openTranscriptStore(path string) (*chatstore.SQLiteTranscriptStore, error) {
	dsn, err := chatstore.SQLiteTranscriptDSNForFile(path)
	if err != nil {
		return nil, err
	}
	store, err := chatstore.NewSQLiteTranscriptStore(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open transcript store")
	}
	return store, nil
}
