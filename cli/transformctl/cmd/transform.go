package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/hokaccha/go-prettyjson"

	"github.com/janhicken/schedoscope/dispatcher"
)

const TransformCommandDescription = "Submit a transformation and wait for its result"
const TransformCommandHelp = TransformCommandDescription

type TransformCommand struct {
	Args struct {
		Type string `positional-arg-name:"type" description:"transformation type to run"`
	} `positional-args:"yes"`

	Properties []string      `short:"p" long:"property" description:"transformation property in key=value form"`
	Timeout    time.Duration `long:"timeout" default:"1m" description:"how long to wait for the reply"`

	ControlCommand
}

func (c *TransformCommand) Execute(args []string) error {
	if err := c.ControlCommand.Execute(nil); err != nil {
		return err
	}

	if c.Args.Type == "" {
		return fmt.Errorf("type argument is mandatory")
	}

	props := make(map[string]string, len(c.Properties))
	for _, p := range c.Properties {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid property %q, expected key=value", p)
		}

		props[kv[0]] = kv[1]
	}

	s := spinner.New(spinner.CharSets[11], 100*time.Millisecond)
	s.Suffix = fmt.Sprintf(" running %s transformation...", c.Args.Type)
	s.Start()

	var resp dispatcher.TransformResponse
	err := c.post("/transform", dispatcher.TransformRequest{
		Type:       c.Args.Type,
		Properties: props,
		Timeout:    c.Timeout,
	}, &resp)
	s.Stop()

	if err != nil {
		return err
	}

	return printJSON(resp)
}

func printJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	pp, err := prettyjson.Format(raw)
	if err != nil {
		return err
	}

	fmt.Println(string(pp))
	return nil
}
