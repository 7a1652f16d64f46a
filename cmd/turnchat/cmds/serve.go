package cmds

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnchat/pkg/replay"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = (*ServeCommand)(nil)

type ServeSettings struct {
	Script string `glazed:"script"`
	Addr   string `glazed:"addr"`
	Token  string `glazed:"token"`
	Reply  string `glazed:"reply"`
}

func NewServeCommand() (*ServeCommand, error) {
	return &ServeCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run a scripted chat server"),
			cmds.WithLong("Serve the turn stream and thread endpoints from a YAML script. Without a script every prompt is echoed back."),
			cmds.WithFlags(
				fields.New("script", fields.TypeString, fields.WithDefault(""), fields.WithHelp("YAML replay script")),
				fields.New("addr", fields.TypeString, fields.WithDefault(":3000"), fields.WithHelp("Listen address")),
				fields.New("token", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Required bearer token (overrides the script)")),
				fields.New("reply", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Reply streamed for new prompts (overrides the script)")),
			),
		),
	}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsedLayers *values.Values) error {
	s := &ServeSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init serve settings")
	}

	script := &replay.Script{}
	if path := strings.TrimSpace(s.Script); path != "" {
		loaded, err := replay.LoadScript(path)
		if err != nil {
			return err
		}
		script = loaded
	}
	if s.Reply != "" {
		script.Reply = s.Reply
	}

	logger := log.With().Str("component", "serve").Logger()
	var opts []replay.Option
	opts = append(opts, replay.WithLogger(log.Logger))
	if s.Token != "" {
		opts = append(opts, replay.WithToken(s.Token))
	}
	srv, err := replay.NewServer(script, opts...)
	if err != nil {
		return errors.Wrap(err, "create replay server")
	}

	logger.Info().Int("threads", len(script.Threads)).Msg("replay script loaded")
	return serveUntilSignal(ctx, newHTTPServer(s.Addr, srv.Router()), logger, nil)
}
