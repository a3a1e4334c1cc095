package protocol

import (
	"errors"
	"strconv"
	"strings"
)

// Cipher errors.
var (
	// ErrInvalidInput is returned when a cipher decode input length is
	// not a multiple of the block size. The operation is rejected; the
	// connection stays usable.
	ErrInvalidInput = errors.New("cipher: input length not a multiple of 4")

	// ErrUnsupportedVariant is returned for any variant outside 1..3.
	ErrUnsupportedVariant = errors.New("cipher: unsupported variant")
)

// referenceText is the fixed 250-character text the challenge cipher
// indexes into. Clients ship the identical text; changing a single byte
// breaks every login, so it is reproduced verbatim from the legacy
// protocol.
const referenceText = "The quick brown fox jumps over the lazy dog while the five " +
	"boxing wizards jump quickly and pack my box with five dozen liquor jugs " +
	"as bright vixens jump dozy fowl quack sphinx of black quartz judge my " +
	"vow how vexingly quick daft zebras jump onwards!."

// ReferenceTextLen is the length of the shared reference text. Challenge
// offsets must leave room for the full challenge string below this bound.
const ReferenceTextLen = len(referenceText)

// cipherBlockSize is the rendered width of one encoded character.
const cipherBlockSize = 4

// EncodeChallenge encodes text into the legacy digit-string form using the
// given challenge offset and variant. Variant 3 consumes its offset
// counter, decrementing once per character; the caller owns the counter
// and must replay calls in the same order on both ends.
func EncodeChallenge(text string, offset int, variant int) (string, error) {
	if variant < 1 || variant > 3 {
		return "", ErrUnsupportedVariant
	}

	var sb strings.Builder
	for i := 0; i < len(text); i++ {
		var code int
		switch variant {
		case 1:
			code = 0x7a + i*(13-i) + int(text[i]) + int(referenceText[offset+i])
		case 2:
			code = 0x7a + i + int(text[i]) + int(referenceText[offset+i])
		case 3:
			code = 0x7a + int(text[i]) + int(referenceText[i]) + offset*i
			offset--
		}

		block := strconv.Itoa(code)
		sb.WriteString(block)
		// Right-pad short codes with '0' up to the block width. Codes
		// wider than the block are written whole, never truncated.
		for pad := len(block); pad < cipherBlockSize; pad++ {
			sb.WriteByte('0')
		}
	}

	return sb.String(), nil
}

// DecodeChallenge reverses EncodeChallenge block by block. The trailing
// pad heuristic removes at most one final '0' per block, which loses
// codes whose true value ends in zero; that lossiness is part of the
// legacy scheme and both sides share it.
func DecodeChallenge(digits string, offset int, variant int) (string, error) {
	if variant < 1 || variant > 3 {
		return "", ErrUnsupportedVariant
	}
	if len(digits)%cipherBlockSize != 0 {
		return "", ErrInvalidInput
	}

	var sb strings.Builder
	for i := 0; i*cipherBlockSize < len(digits); i++ {
		block := digits[i*cipherBlockSize : (i+1)*cipherBlockSize]
		block = stripPad(block)

		code, err := strconv.Atoi(block)
		if err != nil {
			return "", ErrInvalidInput
		}

		var ch int
		switch variant {
		case 1:
			ch = code - 0x7a - i*(13-i) - int(referenceText[offset+i])
		case 2:
			ch = code - 0x7a - i - int(referenceText[offset+i])
		case 3:
			ch = code - 0x7a - int(referenceText[i]) - offset*i
			offset--
		}

		sb.WriteByte(byte(ch))
	}

	return sb.String(), nil
}

// stripPad removes the last '0' from a block when no other '0' follows
// it, the exact heuristic the legacy decoder applies to undo padding.
func stripPad(block string) string {
	if strings.HasSuffix(block, "0") {
		return block[:len(block)-1]
	}
	return block
}
