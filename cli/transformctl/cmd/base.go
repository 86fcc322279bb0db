package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ControlCommand is the shared half of every transformctl command: the
// address of the transformd control server and a JSON client against it.
type ControlCommand struct {
	Address string `long:"address" default:"http://127.0.0.1:9532" description:"transformd control server address"`

	client *http.Client
}

func (c *ControlCommand) Execute(args []string) error {
	c.client = &http.Client{Timeout: 5 * time.Minute}
	return nil
}

func (c *ControlCommand) get(path string, out interface{}) error {
	resp, err := c.client.Get(c.Address + path)
	if err != nil {
		return err
	}

	return decodeResponse(resp, out)
}

func (c *ControlCommand) post(path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	resp, err := c.client.Post(c.Address+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	// 422 carries a regular failure body, everything else from 400 up is a
	// control server error
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusUnprocessableEntity {
		content, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("control server error (%s): %s", resp.Status, content)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
