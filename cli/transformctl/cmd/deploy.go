package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/janhicken/schedoscope/dispatcher"
)

const DeployCommandDescription = "Stage driver libraries on every worker of every pool"
const DeployCommandHelp = DeployCommandDescription

type DeployCommand struct {
	ControlCommand
}

func (c *DeployCommand) Execute(args []string) error {
	if err := c.ControlCommand.Execute(nil); err != nil {
		return err
	}

	var r dispatcher.DeployResponse
	if err := c.post("/deploy", struct{}{}, &r); err != nil {
		return err
	}

	deployToText(&r)
	return nil
}

func deployToText(r *dispatcher.DeployResponse) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Worker", "Deployed"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, ack := range r.Acks {
		line := fmt.Sprintf("%s\t%t", ack.WorkerID, ack.OK)
		table.Append(strings.Split(line, "\t"))
	}

	table.Render()
}
