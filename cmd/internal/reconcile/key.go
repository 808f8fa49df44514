package reconcile

import (
	"encoding/hex"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Identity key prefixes. Keys of different kinds never collide.
const (
	keyPrefixID   = "id:"
	keyPrefixTemp = "tmp:"
	keyPrefixHash = "noid:"
)

func idKey(id int64) string { return keyPrefixID + strconv.FormatInt(id, 10) }

func tmpKey(k string) string { return keyPrefixTemp + k }

// fallbackKey derives a deterministic key for a message the server sent without an id.
func fallbackKey(conversationID int64, text string, createdAt time.Time) string {
	buf := make([]byte, 0, 32+len(text))
	buf = strconv.AppendInt(buf, conversationID, 10)
	buf = append(buf, '|')
	buf = append(buf, text...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, createdAt.UnixMilli(), 10)

	sum := blake2b.Sum256(buf)
	return keyPrefixHash + hex.EncodeToString(sum[:16])
}
