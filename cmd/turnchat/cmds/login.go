package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnchat/pkg/cmds/cmdlayers"
	"github.com/go-go-golems/turnchat/pkg/credentials"
)

type LoginCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*LoginCommand)(nil)

type LoginSettings struct {
	AccessToken  string `glazed:"access-token"`
	RefreshToken string `glazed:"refresh-token"`
	UserID       string `glazed:"user-id"`
	Email        string `glazed:"email"`
	Name         string `glazed:"name"`
}

func NewLoginCommand() (*LoginCommand, error) {
	client, err := cmdlayers.NewClientSection()
	if err != nil {
		return nil, err
	}
	return &LoginCommand{
		CommandDescription: cmds.NewCommandDescription(
			"login",
			cmds.WithShort("Store credentials for the chat server"),
			cmds.WithFlags(
				fields.New("access-token", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Access token sent as bearer token")),
				fields.New("refresh-token", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Refresh token")),
				fields.New("user-id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("User id")),
				fields.New("email", fields.TypeString, fields.WithDefault(""), fields.WithHelp("User email")),
				fields.New("name", fields.TypeString, fields.WithDefault(""), fields.WithHelp("User display name")),
			),
			cmds.WithSections(client),
		),
	}, nil
}

func (c *LoginCommand) RunIntoWriter(_ context.Context, parsedLayers *values.Values, w io.Writer) error {
	s := &LoginSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init login settings")
	}
	store, err := fileStoreFrom(parsedLayers)
	if err != nil {
		return err
	}
	rec, err := loginRecord(s)
	if err != nil {
		return err
	}
	if err := store.Save(rec); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Credentials saved to %s\n", store.Path())
	return err
}

func loginRecord(s *LoginSettings) (credentials.Record, error) {
	rec := credentials.Record{
		AccessToken:  strings.TrimSpace(s.AccessToken),
		RefreshToken: strings.TrimSpace(s.RefreshToken),
	}
	if rec.AccessToken == "" {
		return credentials.Record{}, errors.New("access token is empty")
	}
	if s.UserID != "" || s.Email != "" || s.Name != "" {
		rec.User = &credentials.User{ID: s.UserID, Email: s.Email, Name: s.Name}
	}
	return rec, nil
}

type LogoutCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*LogoutCommand)(nil)

func NewLogoutCommand() (*LogoutCommand, error) {
	client, err := cmdlayers.NewClientSection()
	if err != nil {
		return nil, err
	}
	return &LogoutCommand{
		CommandDescription: cmds.NewCommandDescription(
			"logout",
			cmds.WithShort("Remove stored credentials"),
			cmds.WithSections(client),
		),
	}, nil
}

func (c *LogoutCommand) RunIntoWriter(_ context.Context, parsedLayers *values.Values, w io.Writer) error {
	store, err := fileStoreFrom(parsedLayers)
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Credentials removed from %s\n", store.Path())
	return err
}

type RefreshCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*RefreshCommand)(nil)

func NewRefreshCommand() (*RefreshCommand, error) {
	client, err := cmdlayers.NewClientSection()
	if err != nil {
		return nil, err
	}
	return &RefreshCommand{
		CommandDescription: cmds.NewCommandDescription(
			"refresh",
			cmds.WithShort("Exchange the stored refresh token for new tokens"),
			cmds.WithSections(client),
		),
	}, nil
}

func (c *RefreshCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	client, err := cmdlayers.DecodeClientSettings(parsedLayers)
	if err != nil {
		return err
	}
	api, err := client.NewThreadClient(log.Logger)
	if err != nil {
		return err
	}
	if _, err := api.Refresh(ctx); err != nil {
		return err
	}
	store, err := client.FileStore()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Tokens refreshed in %s\n", store.Path())
	return err
}

func fileStoreFrom(parsedLayers *values.Values) (*credentials.FileStore, error) {
	client, err := cmdlayers.DecodeClientSettings(parsedLayers)
	if err != nil {
		return nil, err
	}
	return client.FileStore()
}
