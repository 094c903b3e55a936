package pipeline

import (
	"strconv"
	"strings"

	"github.com/keithlinneman/mdembed/internal/cryptoutil"
	"github.com/keithlinneman/mdembed/internal/refresh"
)

// KeyPrefix is shared with the refresh endpoint, which refuses keys without it.
const KeyPrefix = refresh.KeyPrefix

// CacheKey derives the cache key for a render. Booleans and excerpt enter in
// their raw form; url, class and ttl in their resolved form.
func CacheKey(resolvedURL string, raw RawOptions, opts Options) string {
	material := strings.Join([]string{
		resolvedURL,
		opts.Class,
		strconv.Itoa(opts.TTLSeconds),
		raw.Copy,
		raw.CDN,
		raw.Excerpt,
		raw.Table,
		raw.Refresh,
	}, "\n")
	return KeyPrefix + cryptoutil.SHA256Hex([]byte(material))
}
