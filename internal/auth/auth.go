package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"

	"github.com/smartcontrolx/scx/internal/protocol"
)

// PinLength is the number of digits a host puts in its challenge.
const PinLength = 4

// GeneratePIN returns a random zero-padded PinLength-digit PIN.
func GeneratePIN() (string, error) {
	limit := big.NewInt(1)
	for range PinLength {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", PinLength, n.Int64()), nil
}

// Challenge formats the host's pairing challenge for pin.
func Challenge(pin string) []byte {
	return []byte(protocol.PinPrefix + pin)
}

// ParseChallenge extracts the code from a "PIN:<code>" challenge.
// Surrounding whitespace is ignored.
func ParseChallenge(msg []byte) (string, error) {
	text := strings.TrimSpace(string(msg))
	code, ok := strings.CutPrefix(text, protocol.PinPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unexpected pairing message %q", protocol.ErrProtocolViolation, text)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: empty PIN in challenge", protocol.ErrProtocolViolation)
	}
	return code, nil
}

// VerifyPIN reports whether got matches want, in constant time.
func VerifyPIN(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
