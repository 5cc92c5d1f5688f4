package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
)

type trustCommand struct {
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"true" description:"Recipient address"`
		Key       string `positional-arg-name:"key" required:"true" description:"Verified identity key, hex encoded"`
	} `positional-args:"yes"`
}

func (cmd *trustCommand) Execute(args []string) error {
	raw, err := hex.DecodeString(cmd.Args.Key)
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	key, err := ratchet.DeserializeIdentityKey(raw)
	if err != nil {
		return fmt.Errorf("parse key: %w", err)
	}

	c, _, err := loadClient(context.Background())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Trust(cmd.Args.Recipient, key); err != nil {
		return err
	}
	fmt.Printf("Identity of %s trusted. Sessions will be re-established on the next send.\n", cmd.Args.Recipient)
	return nil
}
