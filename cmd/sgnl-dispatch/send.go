package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sendCommand struct {
	To   []string `short:"t" long:"to" required:"true" description:"Recipient address (repeatable)"`
	Args struct {
		Message string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, _, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	res := c.Send(ctx, cmd.To, cmd.Args.Message)
	for _, r := range res.Succeeded {
		fmt.Printf("Message sent to %s\n", r)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "Failed to send to %s: %s (%v)\n", e.Recipient, e.Reason, e.Cause)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d of %d recipients failed", len(res.Errors), len(cmd.To))
	}
	return nil
}
