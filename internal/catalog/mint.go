package catalog

import (
	"slices"
	"strings"

	"github.com/google/uuid"
)

// NewID builds an identifier for typeTag in the "<prefix>:<kind>-<random>"
// shape the metadata service hands out. It is used by the stores that mint
// locally.
func NewID(typeTag string) string {
	prefix, kind, found := strings.Cut(typeTag, ":")
	if !found {
		prefix, kind = "nmdc", typeTag
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return prefix + ":" + strings.ToLower(kind) + "-" + random
}

// InformingKey joins informing ids into the key used for pooled records.
func InformingKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	slices.Sort(sorted)
	return strings.Join(sorted, "_")
}
