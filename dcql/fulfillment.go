package dcql

import "github.com/ory/go-convenience/stringslice"

// Fulfilled evaluates whether the set of satisfied query ids (ids for which
// at least one presentation was validated) meets the query's requirements.
//
// With credential_sets, every required set must have at least one option
// whose query ids are all satisfied. Without credential_sets, every declared
// credential query is required.
func Fulfilled(q *Query, satisfiedQueryIDs []string) bool {
	if len(q.CredentialSets) == 0 {
		for _, cq := range q.Credentials {
			if !stringslice.Has(satisfiedQueryIDs, cq.ID) {
				return false
			}
		}
		return true
	}

	for _, set := range q.CredentialSets {
		if !set.IsRequired() {
			continue
		}
		if !anyOptionSatisfied(set.Options, satisfiedQueryIDs) {
			return false
		}
	}
	return true
}

func anyOptionSatisfied(options [][]string, satisfied []string) bool {
	for _, option := range options {
		ok := true
		for _, id := range option {
			if !stringslice.Has(satisfied, id) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
