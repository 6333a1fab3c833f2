package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	identifierAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxIdentifierBase  = 16
)

// GenerateIdentifier builds a panel client identifier of the form
// base_xxxx_nnnn: a sanitized handle (or 8 random characters when the handle
// has none usable), 4 random characters, and the unix time mod 10000.
func GenerateIdentifier(handle string, now time.Time) string {
	base := sanitizeHandle(handle)
	if base == "" {
		base = randomString(8)
	}
	return fmt.Sprintf("%s_%s_%04d", base, randomString(4), now.Unix()%10000)
}

func sanitizeHandle(handle string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(handle) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == maxIdentifierBase {
				break
			}
		}
	}
	return b.String()
}

func randomString(n int) string {
	n36 := big.NewInt(int64(len(identifierAlphabet)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, n36)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		out[i] = identifierAlphabet[v.Int64()]
	}
	return string(out)
}
