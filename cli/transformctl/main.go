package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/janhicken/schedoscope/cli/transformctl/cmd"
)

var (
	version = "undefined"
	build   = "undefined"
)

func main() {
	parser := flags.NewNamedParser("transformctl", flags.Default)
	parser.AddCommand("status",
		cmd.StatusCommandDescription, cmd.StatusCommandHelp,
		&cmd.StatusCommand{},
	)

	parser.AddCommand("transformations",
		cmd.TransformationsCommandDescription, cmd.TransformationsCommandHelp,
		&cmd.TransformationsCommand{},
	)

	parser.AddCommand("transform",
		cmd.TransformCommandDescription, cmd.TransformCommandHelp,
		&cmd.TransformCommand{},
	)

	parser.AddCommand("deploy",
		cmd.DeployCommandDescription, cmd.DeployCommandHelp,
		&cmd.DeployCommand{},
	)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		} else {
			fmt.Println()
			parser.WriteHelp(os.Stdout)
			fmt.Printf("\nBuild information\n  commit: %s\n  date:%s\n", version, build)
			os.Exit(1)
		}
	}
}
