package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/janhicken/schedoscope/dispatcher"
)

const StatusCommandDescription = "List all the pools of workers running on the daemon"
const StatusCommandHelp = StatusCommandDescription

type StatusCommand struct {
	ControlCommand
}

func (c *StatusCommand) Execute(args []string) error {
	if err := c.ControlCommand.Execute(nil); err != nil {
		return err
	}

	var r dispatcher.StatusResponse
	if err := c.get("/status", &r); err != nil {
		return err
	}

	statusToText(&r)
	return nil
}

func statusToText(r *dispatcher.StatusResponse) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Pool", "Workers", "Success/Failed", "Restarts", "Queued"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	names := make([]string, 0, len(r.Pools))
	for name := range r.Pools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := r.Pools[name]
		line := fmt.Sprintf("%s\t%d\t%d/%d\t%d\t%d",
			name, s.Workers,
			s.Success, s.Errors, s.Restarts, s.Queued,
		)
		table.Append(strings.Split(line, "\t"))
	}

	table.Render()
	fmt.Printf("Response time %s\n", r.Elapsed)
}
