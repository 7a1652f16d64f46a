package cmdlayers

import (
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/turnchat/pkg/credentials"
	"github.com/go-go-golems/turnchat/pkg/threadapi"
	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

const ClientSlug = "turnchat-client"

// ClientSettings configures how commands reach the chat server.
type ClientSettings struct {
	ServerURL     string `glazed:"server-url"`
	Token         string `glazed:"token"`
	TokenFile     string `glazed:"token-file"`
	TypingDelayMs int    `glazed:"typing-delay-ms"`
}

func NewClientSection() (schema.Section, error) {
	return schema.NewSection(
		ClientSlug,
		"Chat server connection",
		schema.WithFields(
			fields.New(
				"server-url",
				fields.TypeString,
				fields.WithDefault(turnstream.DefaultBaseURL),
				fields.WithHelp("Base URL of the chat API"),
			),
			fields.New(
				"token",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Access token (overrides "+credentials.DefaultTokenEnvVar+" and the credentials file)"),
			),
			fields.New(
				"token-file",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Credentials file (default ~/.turnchat/credentials.yaml)"),
			),
			fields.New(
				"typing-delay-ms",
				fields.TypeInteger,
				fields.WithDefault(int(turnstream.DefaultTypingDelay/time.Millisecond)),
				fields.WithHelp("Delay between the stream start and the request, in milliseconds"),
			),
		),
	)
}

func DecodeClientSettings(parsed *values.Values) (*ClientSettings, error) {
	s := &ClientSettings{}
	if err := parsed.DecodeSectionInto(ClientSlug, s); err != nil {
		return nil, errors.Wrap(err, "decode client settings")
	}
	return s, nil
}

// FileStore opens the credentials file named by token-file, falling back to
// the default location.
func (s *ClientSettings) FileStore() (*credentials.FileStore, error) {
	path := strings.TrimSpace(s.TokenFile)
	if path == "" {
		p, err := credentials.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return credentials.NewFileStore(path)
}

// TokenSource resolves the token from the flag, the environment and the
// credentials file, in that order.
func (s *ClientSettings) TokenSource() (credentials.TokenSource, error) {
	fs, err := s.FileStore()
	if err != nil {
		return nil, err
	}
	return credentials.Chain{
		credentials.StaticToken(s.Token),
		credentials.EnvToken{},
		fs,
	}, nil
}

func (s *ClientSettings) TypingDelay() (time.Duration, error) {
	if s.TypingDelayMs < 0 {
		return 0, errors.Errorf("typing-delay-ms must not be negative, got %d", s.TypingDelayMs)
	}
	return time.Duration(s.TypingDelayMs) * time.Millisecond, nil
}

func (s *ClientSettings) NewStreamer(logger zerolog.Logger) (*turnstream.Streamer, error) {
	tokens, err := s.TokenSource()
	if err != nil {
		return nil, err
	}
	delay, err := s.TypingDelay()
	if err != nil {
		return nil, err
	}
	return turnstream.NewStreamer(
		turnstream.WithBaseURL(s.ServerURL),
		turnstream.WithTokenSource(tokens),
		turnstream.WithTypingDelay(delay),
		turnstream.WithLogger(logger),
	)
}

func (s *ClientSettings) NewThreadClient(logger zerolog.Logger) (*threadapi.Client, error) {
	tokens, err := s.TokenSource()
	if err != nil {
		return nil, err
	}
	store, err := s.FileStore()
	if err != nil {
		return nil, err
	}
	return threadapi.NewClient(
		s.ServerURL,
		threadapi.WithTokenSource(tokens),
		threadapi.WithCredentialStore(store),
		threadapi.WithLogger(logger),
	)
}
