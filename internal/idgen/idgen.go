// Package idgen mints entity identifiers: a short type prefix ("bal_",
// "tx_", "po_") followed by 24 hex characters from crypto/rand. The
// prefix makes an id self-describing in logs and audit records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const randomBytes = 12

// WithPrefix returns prefix plus 24 random hex characters.
func WithPrefix(prefix string) string {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		// no entropy means no safe ids; nothing sensible to return
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	return prefix + hex.EncodeToString(buf)
}
