package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
)

// Fingerprint computes the canonical cache key for the request. It is
// invariant to attribute key order, role order, and representation
// whitespace, and sensitive to every value change including null vs absent.
func (r *CheckRequest) Fingerprint() string {
	var buf bytes.Buffer

	buf.WriteString("p:")
	if r.Principal != nil {
		buf.WriteString(strconv.Quote(r.Principal.ID))
		buf.WriteByte('|')
		buf.WriteString(strconv.Quote(r.Principal.Scope))
		buf.WriteByte('|')
		writeSortedRoles(&buf, r.Principal.Roles)
		buf.WriteByte('|')
		Map(r.Principal.Attr).writeCanonical(&buf)
	}

	buf.WriteString(";r:")
	if r.Resource != nil {
		buf.WriteString(strconv.Quote(r.Resource.Kind))
		buf.WriteByte('|')
		buf.WriteString(strconv.Quote(r.Resource.ID))
		buf.WriteByte('|')
		buf.WriteString(strconv.Quote(r.Resource.Scope))
		buf.WriteByte('|')
		Map(r.Resource.Attr).writeCanonical(&buf)
	}

	buf.WriteString(";a:")
	for i, action := range r.Actions {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(action))
	}

	buf.WriteString(";x:")
	Map(r.AuxData).writeCanonical(&buf)

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// writeSortedRoles emits roles in sorted order; role sets are unordered.
func writeSortedRoles(buf *bytes.Buffer, roles []string) {
	sorted := make([]string, len(roles))
	copy(sorted, roles)
	sort.Strings(sorted)
	buf.WriteByte('[')
	for i, role := range sorted {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(role))
	}
	buf.WriteByte(']')
}
