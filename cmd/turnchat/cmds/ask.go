package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

type AskCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*AskCommand)(nil)

type AskSettings struct {
	Prompt  string `glazed:"prompt"`
	ShowIDs bool   `glazed:"show-ids"`
}

func NewAskCommand() (*AskCommand, error) {
	sections, err := clientSections()
	if err != nil {
		return nil, err
	}
	return &AskCommand{
		CommandDescription: cmds.NewCommandDescription(
			"ask",
			cmds.WithShort("Send a prompt and stream the reply"),
			cmds.WithLong("Post the prompt to /thread/initiate, continuing --thread-id when set, then stream the new turn."),
			cmds.WithArguments(
				fields.New("prompt", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Prompt to send")),
			),
			cmds.WithFlags(
				fields.New("show-ids", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Print the thread and turn ids to stderr")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *AskCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	s := &AskSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init ask settings")
	}
	ts, err := decodeTurnSettings(parsedLayers)
	if err != nil {
		return err
	}
	api, err := ts.Client.NewThreadClient(log.Logger)
	if err != nil {
		return errors.Wrap(err, "create thread client")
	}

	resp, err := api.InitiateThread(ctx, s.Prompt, ts.Output.ThreadID)
	if err != nil {
		return errors.Wrap(err, "initiate thread")
	}
	log.Debug().Str("thread_id", resp.ThreadID).Str("turn_id", resp.TurnID).Msg("thread initiated")
	if s.ShowIDs {
		_, _ = fmt.Fprintf(os.Stderr, "thread: %s\nturn: %s\n", resp.ThreadID, resp.TurnID)
	}

	ts.Output.ThreadID = resp.ThreadID
	now := time.Now()
	seed := []turnstream.ChatMessage{{
		ID:        now.UnixMilli() - 1,
		Type:      turnstream.MessageTypeUser,
		Content:   s.Prompt,
		Timestamp: now.UTC().Format(time.RFC3339),
	}}
	return runTurn(ctx, w, ts, resp.TurnID, seed)
}
