package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"

	"github.com/janhicken/schedoscope/dispatcher/protocol"
)

const TransformationsCommandDescription = "Print the status of every worker on the daemon"
const TransformationsCommandHelp = TransformationsCommandDescription

type TransformationsCommand struct {
	ControlCommand
}

func (c *TransformationsCommand) Execute(args []string) error {
	if err := c.ControlCommand.Execute(nil); err != nil {
		return err
	}

	var r protocol.TransformationStatusListResponse
	if err := c.get("/transformations", &r); err != nil {
		return err
	}

	transformationsToText(&r)
	return nil
}

func transformationsToText(r *protocol.TransformationStatusListResponse) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Worker", "State", "Current", "Since"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, s := range r.States {
		current := "-"
		if s.Current != nil {
			current = s.Current.String()
		}

		line := fmt.Sprintf("%s\t%s\t%s\t%s ago",
			s.WorkerID, s.Message, current,
			units.HumanDuration(time.Since(s.Timestamp)),
		)
		table.Append(strings.Split(line, "\t"))
	}

	table.Render()
}
