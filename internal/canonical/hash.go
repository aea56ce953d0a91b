package canonical

import (
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Domain prefixes separate the hash spaces. The version suffix allows a
// future encoding change without ambiguity.
const (
	DomainRecord = "leapsync/record/v1"
	DomainAudit  = "leapsync/audit/v1"
)

// GenesisHash is the prev_hash of the first event in every audit chain.
var GenesisHash = digest.Digest(string(digest.SHA256) + ":" + strings.Repeat("0", 64))

// HashWithDomain computes SHA-256 over domain, a 0x00 separator, then data.
func HashWithDomain(domain string, data []byte) digest.Digest {
	buf := make([]byte, 0, len(domain)+1+len(data))
	buf = append(buf, domain...)
	buf = append(buf, 0x00)
	buf = append(buf, data...)
	return digest.SHA256.FromBytes(buf)
}

// RecordHash hashes the canonical encoding of r.
func RecordHash(r core.Record) (digest.Digest, error) {
	data, err := MarshalRecord(r)
	if err != nil {
		return "", err
	}
	return HashWithDomain(DomainRecord, data), nil
}

// ProjectedHash hashes r restricted to cols. Columns absent from r are
// encoded as null.
func ProjectedHash(r core.Record, cols []string) (digest.Digest, error) {
	p := make(core.Record, len(cols))
	for _, c := range cols {
		v, ok := r[c]
		if !ok {
			v = core.NullValue()
		}
		p[c] = v
	}
	return RecordHash(p)
}

// Valid reports whether s is a well-formed digest string.
func Valid(s string) bool {
	return digest.Digest(s).Validate() == nil
}
