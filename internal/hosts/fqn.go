package hosts

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Fully-qualified host names are "hostname@percent-encoded-location":
// exactly one '@', non-empty hostname, and a location that percent-decodes
// to a non-empty string. Parsing rejects malformed names before any I/O.

// ErrInvalidFQNFormat is returned when an FQN is structurally malformed.
var ErrInvalidFQNFormat = errors.New("invalid fqn: want hostname@location")

// ErrInvalidFQNEncoding is returned when the location part carries a
// malformed percent-escape.
var ErrInvalidFQNEncoding = errors.New("invalid fqn: malformed location encoding")

// ParseFQN splits an FQN into hostname and decoded location.
func ParseFQN(fqn string) (hostname, location string, err error) {
	parts := strings.Split(fqn, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidFQNFormat, fqn)
	}
	location, err = url.PathUnescape(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidFQNEncoding, fqn)
	}
	if location == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidFQNFormat, fqn)
	}
	return parts[0], location, nil
}

// BuildFQN assembles the canonical FQN for a hostname and decoded location.
// Inverse of ParseFQN: ParseFQN(BuildFQN(h, l)) returns (h, l).
func BuildFQN(hostname, location string) string {
	return hostname + "@" + url.PathEscape(location)
}
