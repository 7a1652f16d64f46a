package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/spf13/cobra"
)

// AddToRootCommand registers every turnchat command on root.
func AddToRootCommand(root *cobra.Command) {
	for _, build := range []func() (cmds.Command, error){
		func() (cmds.Command, error) { return NewStreamCommand() },
		func() (cmds.Command, error) { return NewAskCommand() },
		func() (cmds.Command, error) { return NewServeCommand() },
		func() (cmds.Command, error) { return NewRelayCommand() },
		func() (cmds.Command, error) { return NewLoginCommand() },
		func() (cmds.Command, error) { return NewLogoutCommand() },
		func() (cmds.Command, error) { return NewRefreshCommand() },
	} {
		c, err := build()
		cobra.CheckErr(err)
		command, err := cli.BuildCobraCommand(c)
		cobra.CheckErr(err)
		root.AddCommand(command)
	}
	AddThreadsToRootCommand(root)
}
