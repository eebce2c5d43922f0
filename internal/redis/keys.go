package redis

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Key prefix for all identity data
const keyPrefix = "identity"

// nameKey returns the key holding the uuid for a lower-cased name
func nameKey(name string) string {
	return fmt.Sprintf("%s:name:%s", keyPrefix, strings.ToLower(name))
}

// uuidKey returns the key holding the last known name for a uuid
func uuidKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:uuid:%s", keyPrefix, id)
}

// missingKey returns the negative-result marker for a lookup key
func missingKey(lookup string) string {
	return fmt.Sprintf("%s:missing:%s", keyPrefix, strings.ToLower(lookup))
}
