package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type preKeysCommand struct {
	Generate preKeysGenerateCommand `command:"generate" description:"Generate one-time prekeys and upload them"`
	Rotate   preKeysRotateCommand   `command:"rotate" description:"Rotate the signed prekey and prune expired ones"`
}

type preKeysGenerateCommand struct {
	Count int `short:"n" long:"count" default:"100" description:"Number of one-time prekeys to generate"`
}

func (cmd *preKeysGenerateCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, _, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.GeneratePreKeys(ctx, cmd.Count)
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %d pre-keys.\n", n)
	return nil
}

type preKeysRotateCommand struct{}

func (cmd *preKeysRotateCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, _, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	id, pruned, err := c.RotateSignedPreKey(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Signed pre-key %d uploaded, %d expired removed.\n", id, pruned)
	return nil
}
