package stream

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultPrefix is the subject prefix streams are published under
const DefaultPrefix = "lsl"

// Message headers
const (
	HeaderEvent = "Stream-Event"
	EventEOS    = "eos"
)

var tokenNamespace = uuid.MustParse("6f1c2e4a-7d0b-5b8e-9a52-3c1d0e8f4b27")

// Token maps a descriptor to the subject token its samples are published
// under. Equal identities always map to the same token.
func Token(d Descriptor) string {
	return uuid.NewSHA1(tokenNamespace, []byte(d.Identity())).String()
}

// DiscoverSubject is the subject outlets answer queries on
func DiscoverSubject(prefix string) string {
	return normalizePrefix(prefix) + ".discover"
}

// DataSubject is the subject samples for d are published on
func DataSubject(prefix string, d Descriptor) string {
	return normalizePrefix(prefix) + ".data." + Token(d)
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}
