// Package dcql implements the Digital Credentials Query Language model used
// in OpenID4VP authorization requests.
//
// https://openid.net/specs/openid-4-verifiable-presentations-1_0.html#name-digital-credentials-query-l
package dcql

import (
	"fmt"

	"github.com/kokukuma/openid4vp-verifier/credential"
)

type Query struct {
	Credentials    []CredentialQuery    `json:"credentials"`
	CredentialSets []CredentialSetQuery `json:"credential_sets,omitempty"`
}

type CredentialQuery struct {
	ID        string            `json:"id"`
	Format    credential.Format `json:"format"`
	Multiple  bool              `json:"multiple,omitempty"`
	Meta      *MetaConstraints  `json:"meta,omitempty"`
	Claims    []ClaimQuery      `json:"claims,omitempty"`
	ClaimSets [][]string        `json:"claim_sets,omitempty"`
}

type MetaConstraints struct {
	// For sd-jwt
	VCTValues []string `json:"vct_values,omitempty"`

	// For mdoc
	DocType string `json:"doctype_value,omitempty"`

	Additional map[string]interface{} `json:"additional,omitempty"`
}

type ClaimQuery struct {
	ID     string        `json:"id,omitempty"`
	Path   []interface{} `json:"path,omitempty"`
	Values []interface{} `json:"values,omitempty"`
}

type CredentialSetQuery struct {
	Options  [][]string  `json:"options"`
	Required *bool       `json:"required,omitempty"`
	Purpose  interface{} `json:"purpose,omitempty"`
}

// IsRequired reports whether the set must be satisfied. Per the OpenID4VP
// spec, "required" defaults to true when absent.
func (s CredentialSetQuery) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// CredentialQuery returns the credential query with the given id.
func (q *Query) CredentialQuery(id string) (*CredentialQuery, bool) {
	for i := range q.Credentials {
		if q.Credentials[i].ID == id {
			return &q.Credentials[i], true
		}
	}
	return nil, false
}

// Precheck validates the query's self-consistency: at least one credential
// query, unique non-empty ids, known formats, and credential_sets options
// that only reference declared ids.
func (q *Query) Precheck() error {
	if len(q.Credentials) == 0 {
		return fmt.Errorf("dcql query has no credential queries")
	}

	seen := make(map[string]bool, len(q.Credentials))
	for _, cq := range q.Credentials {
		if cq.ID == "" {
			return fmt.Errorf("credential query without id")
		}
		if seen[cq.ID] {
			return fmt.Errorf("duplicate credential query id: %s", cq.ID)
		}
		seen[cq.ID] = true

		if !cq.Format.Known() {
			return fmt.Errorf("credential query %s: unknown format %q", cq.ID, cq.Format)
		}
	}

	for i, set := range q.CredentialSets {
		if len(set.Options) == 0 {
			return fmt.Errorf("credential set %d has no options", i)
		}
		for _, option := range set.Options {
			if len(option) == 0 {
				return fmt.Errorf("credential set %d has an empty option", i)
			}
			for _, id := range option {
				if !seen[id] {
					return fmt.Errorf("credential set %d references unknown query id: %s", i, id)
				}
			}
		}
	}
	return nil
}
