package store

import (
	"fmt"
	"strconv"
	"strings"
)

// ResolveID resolves a caller-supplied reference to a full item id. Accepted
// forms, tried in order:
//
//  1. exact id ("036-create-summarize")
//  2. numeric prefix ("36" matches "036-...")
//  3. unique substring ("summarize")
//
// A reference that matches more than one item returns ErrAmbiguousID.
func (s *Store) ResolveID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty id", ErrNotFound)
	}
	ids, err := s.ListItemIDs()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		if id == ref {
			return id, nil
		}
	}

	if n, err := strconv.Atoi(ref); err == nil {
		var matches []string
		for _, id := range ids {
			if numericPrefix(id) == n {
				matches = append(matches, id)
			}
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 0:
			// fall through to substring matching
		default:
			return "", fmt.Errorf("%w: %q matches %s", ErrAmbiguousID, ref, strings.Join(matches, ", "))
		}
	}

	var matches []string
	for _, id := range ids {
		if strings.Contains(id, ref) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("%w: %q", ErrNotFound, ref)
	default:
		return "", fmt.Errorf("%w: %q matches %s", ErrAmbiguousID, ref, strings.Join(matches, ", "))
	}
}

// numericPrefix parses the leading digit run of an id ("036-foo" -> 36).
// Returns -1 when the id has no numeric prefix.
func numericPrefix(id string) int {
	i := 0
	for i < len(id) && id[i] >= '0' && id[i] <= '9' {
		i++
	}
	if i == 0 {
		return -1
	}
	n, err := strconv.Atoi(id[:i])
	if err != nil {
		return -1
	}
	return n
}
