package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"
)

// fingerprint field separator, chosen to not appear in table or tag names.
const fpSep = "\x1f"

// Fingerprint computes the structural identity of a query: a stable
// 64-bit murmur3 hash over the query type, table name, and the sorted set
// of tag keys. Tag values are deliberately excluded so that structurally
// identical queries with different arguments hash identically, which is
// what makes N+1 detection possible.
func Fingerprint(queryType QueryType, tableName string, tags map[string]string) string {
	var b strings.Builder
	b.WriteString(string(queryType))
	b.WriteString(fpSep)
	b.WriteString(tableName)

	if len(tags) > 0 {
		keys := make([]string, 0, len(tags))
		for k := range tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fpSep)
			b.WriteString(k)
		}
	}

	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(b.String())))
}
