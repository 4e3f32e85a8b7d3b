package models

import (
	"fmt"
	"strings"
)

// ParseURI splits an at:// record URI into its repo DID, collection and
// record key parts.
func ParseURI(uri string) (did, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("uri %q missing at:// scheme", uri)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("uri %q is not repo/collection/rkey", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// MakeURI builds the at:// URI for a record.
func MakeURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}
