package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnchat/cmd/turnchat/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "turnchat",
	Short: "Stream and inspect chat turns",
	Long:  "Client for chat servers that stream each assistant reply as cumulative frames over /turn/<id>/chat, plus a scripted server and a websocket relay.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.InitLoggerFromCobra(cmd); err != nil {
			return err
		}
		if f := cmd.Flags(); f != nil {
			lvl, _ := f.GetString("log-level")
			if lvl != "" {
				if l, err := zerolog.ParseLevel(lvl); err == nil {
					zerolog.SetGlobalLevel(l)
				}
			}
		}
		log.Debug().Str("command", cmd.Name()).Msg("turnchat starting")
		return nil
	},
}

func main() {
	if err := clay.InitGlazed("turnchat", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	cmds.AddToRootCommand(rootCmd)

	cobra.CheckErr(rootCmd.Execute())
}
