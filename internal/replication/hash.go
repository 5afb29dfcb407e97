package replication

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/tunnelmesh/regionsync/internal/journal"
)

// JournalItemHash identifies one journaled mutation. Redeliveries of the same
// stream record hash identically, while a later write of the same key does not.
func JournalItemHash(e *journal.Entry) string {
	size := ""
	if e.Size != nil {
		size = strconv.FormatInt(*e.Size, 10)
	}
	fields := []string{
		e.Key,
		e.EventName,
		e.Region,
		size,
		strconv.FormatInt(e.Time.UnixMilli(), 10),
		e.Source,
		e.Principal,
		e.IPAddress,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}
