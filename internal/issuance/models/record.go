// Package models holds the issuance pipeline's data types.
package models

import (
	"sort"
	"strings"

	"credmint/internal/issuance/merkle"
)

// NilSentinel replaces empty values in the canonical form so that an absent
// field and an empty one hash the same way.
const NilSentinel = "<nil>"

// CertificateRecord is one validated certificate row. Index is its position in
// the batch; proofs are positional so it must never change after hashing.
type CertificateRecord struct {
	Index      int               `json:"index"`
	DocumentID string            `json:"documentId"`
	Name       string            `json:"name"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Canonical is the stable byte form hashed into the leaf: document id, name,
// then custom fields sorted by key as key=value, joined by '|'.
func (r CertificateRecord) Canonical() []byte {
	parts := make([]string, 0, 2+len(r.Fields))
	parts = append(parts, canonicalValue(r.DocumentID), canonicalValue(r.Name))

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, escape(k)+"="+canonicalValue(r.Fields[k]))
	}
	return []byte(strings.Join(parts, "|"))
}

// Leaf is the record's content hash.
func (r CertificateRecord) Leaf() merkle.Digest {
	return merkle.Sum(r.Canonical())
}

// HashRecords returns leaves in input order.
func HashRecords(records []CertificateRecord) []merkle.Digest {
	out := make([]merkle.Digest, len(records))
	for i, r := range records {
		out[i] = r.Leaf()
	}
	return out
}

func canonicalValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return NilSentinel
	}
	return escape(v)
}

var escaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `=`, `\=`)

func escape(s string) string {
	return escaper.Replace(s)
}
