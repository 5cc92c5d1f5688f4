package dispatch

const paddingBlockSize = 80

// padMessage applies transport padding: content, a 0x80 terminator, then
// zeros up to the block boundary. The +1 -1 accounts for the cipher's own
// padding.
func padMessage(messageBody []byte) []byte {
	paddedLen := paddedMessageLength(len(messageBody)+1) - 1
	padded := make([]byte, paddedLen)
	copy(padded, messageBody)
	padded[len(messageBody)] = 0x80
	return padded
}

func paddedMessageLength(messageLength int) int {
	withTerminator := messageLength + 1
	parts := withTerminator / paddingBlockSize
	if withTerminator%paddingBlockSize != 0 {
		parts++
	}
	return parts * paddingBlockSize
}
