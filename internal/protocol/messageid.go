package protocol

import (
	"strings"

	"github.com/google/uuid"
)

const uuidURNPrefix = "urn:uuid:"

// NewMessageID returns a fresh "urn:uuid:" message id.
func NewMessageID() string {
	return uuidURNPrefix + uuid.New().String()
}

// NewEndpointReference returns a fresh stable endpoint reference for a local
// device.
func NewEndpointReference() string {
	return uuidURNPrefix + uuid.New().String()
}

// DeriveMessageID derives the id of the version-specific variant of a
// message. The derivation is deterministic so the same original id and
// version always produce the same sibling id.
func DeriveMessageID(original string, v Version) string {
	return uuidURNPrefix + uuid.NewSHA1(uuid.NameSpaceURL, []byte(original+"#"+v.String())).String()
}

// IsUUIDURN reports whether id is a well-formed "urn:uuid:" URI.
func IsUUIDURN(id string) bool {
	rest, ok := strings.CutPrefix(strings.ToLower(id), uuidURNPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
