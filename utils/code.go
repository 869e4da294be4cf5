// utils/code.go
package utils

import (
	"crypto/rand"
	"math/big"
)

// Alphabet for referral codes: uppercase and digits with ambiguous glyphs
// removed (no 0/O, 1/I/L) so codes survive being read over the phone.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const ReferralCodeLength = 8

// GenerateReferralCode returns a random code of n characters.
func GenerateReferralCode(n int) (string, error) {
	if n <= 0 {
		n = ReferralCodeLength
	}
	buf := make([]byte, n)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[idx.Int64()]
	}
	return string(buf), nil
}
