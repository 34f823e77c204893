package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/kokukuma/openid4vp-verifier/credential"
)

// Policy is a pluggable predicate evaluated against one validated
// credential.
type Policy interface {
	ID() string
	Verify(ctx context.Context, cred *credential.DigitalCredential) (interface{}, error)
}

// PolicyResolver turns a policy descriptor from the session setup (either a
// bare name or {"policy": name, "args": {...}}) into a Policy.
type PolicyResolver interface {
	Resolve(raw json.RawMessage) (Policy, error)
}

// PolicyDescriptors is the policy configuration as it arrives in a session
// setup.
type PolicyDescriptors struct {
	VPPolicies         []json.RawMessage            `json:"vp_policies,omitempty"`
	VCPolicies         []json.RawMessage            `json:"vc_policies,omitempty"`
	SpecificVCPolicies map[string][]json.RawMessage `json:"specific_vc_policies,omitempty"`
}

// DefinedPolicies are the resolved policies attached to a session.
// VPPolicies is a reserved extension point: presentation-level policies are
// carried but not yet executed by the policy stage.
type DefinedPolicies struct {
	VPPolicies         []Policy
	VCPolicies         []Policy
	SpecificVCPolicies map[string][]Policy
}

// MarshalJSON serializes policies by id; the resolved predicates themselves
// are not serializable.
func (p DefinedPolicies) MarshalJSON() ([]byte, error) {
	ids := func(policies []Policy) []string {
		return lo.Map(policies, func(p Policy, _ int) string { return p.ID() })
	}
	specific := make(map[string][]string, len(p.SpecificVCPolicies))
	for queryID, policies := range p.SpecificVCPolicies {
		specific[queryID] = ids(policies)
	}
	return json.Marshal(struct {
		VPPolicies         []string            `json:"vp_policies,omitempty"`
		VCPolicies         []string            `json:"vc_policies,omitempty"`
		SpecificVCPolicies map[string][]string `json:"specific_vc_policies,omitempty"`
	}{
		VPPolicies:         ids(p.VPPolicies),
		VCPolicies:         ids(p.VCPolicies),
		SpecificVCPolicies: specific,
	})
}

// PolicyResult is the outcome of running one policy against one credential.
type PolicyResult struct {
	Policy  string      `json:"policy"`
	QueryID string      `json:"query_id"`
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// PolicyResults aggregates all policy runs of a session. VPPolicies is the
// reserved bucket for presentation-level policy results.
type PolicyResults struct {
	VPPolicies         []PolicyResult            `json:"vp_policies,omitempty"`
	VCPolicies         []PolicyResult            `json:"vc_policies"`
	SpecificVCPolicies map[string][]PolicyResult `json:"specific_vc_policies,omitempty"`
	OverallSuccess     bool                      `json:"overall_success"`
}

// runPolicies evaluates every vc policy (and any per-query-id overrides)
// against every validated credential. Each run is isolated: an error or
// panic becomes that result's error field and never aborts the stage.
func runPolicies(ctx context.Context, policies DefinedPolicies, validated map[string][]*credential.DigitalCredential) *PolicyResults {
	results := &PolicyResults{
		VCPolicies:         []PolicyResult{},
		SpecificVCPolicies: map[string][]PolicyResult{},
	}

	queryIDs := lo.Keys(validated)
	sort.Strings(queryIDs)

	overall := true
	for _, queryID := range queryIDs {
		for _, cred := range validated[queryID] {
			for _, policy := range policies.VCPolicies {
				result := runPolicy(ctx, policy, queryID, cred)
				overall = overall && result.Success
				results.VCPolicies = append(results.VCPolicies, result)
			}
			for _, policy := range policies.SpecificVCPolicies[queryID] {
				result := runPolicy(ctx, policy, queryID, cred)
				overall = overall && result.Success
				results.SpecificVCPolicies[queryID] = append(results.SpecificVCPolicies[queryID], result)
			}
		}
	}

	results.OverallSuccess = overall
	return results
}

func runPolicy(ctx context.Context, policy Policy, queryID string, cred *credential.DigitalCredential) (result PolicyResult) {
	result = PolicyResult{Policy: policy.ID(), QueryID: queryID}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("policy panicked: %v", r)
		}
	}()

	value, err := policy.Verify(ctx, cred)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Result = value
	return result
}
