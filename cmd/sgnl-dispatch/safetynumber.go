package main

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strings"
)

const fingerprintIterations = 5200

type safetyNumberCommand struct {
	Args recipientArg `positional-args:"yes"`
}

func (cmd *safetyNumberCommand) Execute(args []string) error {
	c, _, err := loadClient(context.Background())
	if err != nil {
		return err
	}
	defer c.Close()

	ours := c.IdentityKey().Serialize()
	pinned, err := c.PinnedIdentity(cmd.Args.Recipient)
	if err != nil {
		return fmt.Errorf("get their identity key: %w", err)
	}
	if pinned == nil {
		return fmt.Errorf("no identity key pinned for %s; send a message first", cmd.Args.Recipient)
	}
	theirs := pinned.Serialize()

	fmt.Printf("Our address:    %s\n", c.LocalID())
	fmt.Printf("Their address:  %s\n", cmd.Args.Recipient)
	fmt.Printf("Our key:        %x\n", ours)
	fmt.Printf("Their key:      %x\n", theirs)
	fmt.Println()

	sn := computeSafetyNumber(c.LocalID(), ours, cmd.Args.Recipient, theirs)
	fmt.Printf("Safety Number:\n%s\n", formatSafetyNumber(sn))
	return nil
}

// computeSafetyNumber returns the 60-digit safety number for two parties.
// Both sides compute the same value.
func computeSafetyNumber(id1 string, key1 []byte, id2 string, key2 []byte) string {
	if id1 > id2 {
		id1, key1, id2, key2 = id2, key2, id1, key1
	}
	return computeFingerprint(id1, key1) + computeFingerprint(id2, key2)
}

// computeFingerprint computes the 30-digit fingerprint of one party.
func computeFingerprint(id string, key []byte) string {
	hash := sha512.New()
	hash.Write([]byte{0x00, 0x00}) // version
	hash.Write(key)
	hash.Write([]byte(id))
	digest := hash.Sum(nil)

	for range fingerprintIterations - 1 {
		hash.Reset()
		hash.Write(digest)
		hash.Write(key)
		digest = hash.Sum(nil)
	}

	// Six 5-byte chunks, each reduced to 5 digits.
	var result strings.Builder
	for i := range 6 {
		var padded [8]byte
		copy(padded[3:], digest[i*5:i*5+5])
		fmt.Fprintf(&result, "%05d", binary.BigEndian.Uint64(padded[:])%100000)
	}
	return result.String()
}

// formatSafetyNumber formats the number as rows of four 5-digit groups.
func formatSafetyNumber(sn string) string {
	var lines []string
	for i := 0; i < len(sn); i += 20 {
		line := sn[i:min(i+20, len(sn))]
		var groups []string
		for j := 0; j < len(line); j += 5 {
			groups = append(groups, line[j:min(j+5, len(line))])
		}
		lines = append(lines, strings.Join(groups, " "))
	}
	return strings.Join(lines, "\n")
}
