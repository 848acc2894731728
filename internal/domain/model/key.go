package model

import (
	"fmt"
	"strings"
)

// ReconciliationKey identifies one (chain, subject, resource) triple.
type ReconciliationKey struct {
	Chain    Chain
	Subject  Subject
	Resource string
}

func NewKey(chain Chain, subject Subject, resource Resource) ReconciliationKey {
	return ReconciliationKey{Chain: chain, Subject: subject, Resource: resource.Address}
}

// String renders the key as chain-subject-resource.
func (k ReconciliationKey) String() string {
	return fmt.Sprintf("%s-%s-%s", k.Chain, k.Subject, k.Resource)
}

// ParseKey is the inverse of String. Chain labels never contain '-', and
// subjects and resources are hex addresses.
func ParseKey(raw string) (ReconciliationKey, error) {
	parts := strings.Split(raw, "-")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ReconciliationKey{}, fmt.Errorf("invalid reconciliation key %q", raw)
	}
	return ReconciliationKey{
		Chain:    Chain(parts[0]),
		Subject:  Subject(parts[1]),
		Resource: parts[2],
	}, nil
}
