package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

type sessionsCommand struct {
	List  sessionsListCommand  `command:"list" description:"List sessions with a recipient"`
	Reset sessionsResetCommand `command:"reset" description:"Delete all sessions with a recipient"`
}

type recipientArg struct {
	Recipient string `positional-arg-name:"recipient" required:"true" description:"Recipient address"`
}

type sessionsListCommand struct {
	Args recipientArg `positional-args:"yes"`
}

func (cmd *sessionsListCommand) Execute(args []string) error {
	c, _, err := loadClient(context.Background())
	if err != nil {
		return err
	}
	defer c.Close()

	sessions, err := c.Sessions(cmd.Args.Recipient)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Printf("No sessions with %s.\n", cmd.Args.Recipient)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSTATE\tUPDATED")
	for _, s := range sessions {
		state := "open"
		if !s.Open {
			state = "closed"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.DeviceID, state, s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

type sessionsResetCommand struct {
	Args recipientArg `positional-args:"yes"`
}

func (cmd *sessionsResetCommand) Execute(args []string) error {
	c, _, err := loadClient(context.Background())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ResetSessions(cmd.Args.Recipient); err != nil {
		return err
	}
	fmt.Printf("Sessions with %s reset.\n", cmd.Args.Recipient)
	return nil
}
