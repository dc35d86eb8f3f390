// Package reconcile computes the minimal set of policy mutations needed to
// bring a site's registry slice in line with an authority's target bands,
// given the species counts observed in a site visit. It is pure: no I/O, no
// locking, no authority or registry types.
package reconcile

import "github.com/pestctl/pestctl/internal/wire"

// Entry is the registry's per-species record: which policy is active there
// and what it's currently doing.
type Entry struct {
	PolicyID uint32
	Action   wire.Action
}

// Kind distinguishes the two mutation operations.
type Kind int

const (
	Delete Kind = iota
	Create
)

func (k Kind) String() string {
	if k == Delete {
		return "delete"
	}
	return "create"
}

// Mutation is one step of a reconciliation plan. For Delete, PolicyID is the
// policy to retract. For Create, Species and Action describe the policy to
// install.
type Mutation struct {
	Kind     Kind
	Species  string
	Action   wire.Action
	PolicyID uint32
}

// Desired returns the policy action a species should be under given its
// observed count and target band, or ok=false if no policy is warranted.
func Desired(count uint32, band wire.TargetBand) (action wire.Action, ok bool) {
	switch {
	case count < band.Min:
		return wire.ActionConserve, true
	case count > band.Max:
		return wire.ActionCull, true
	default:
		return 0, false
	}
}

// Plan computes the ordered mutation sequence for one site. observed maps
// species to their reported count (species absent from the map are treated
// as count 0). targets is the authority's target band list — it defines the
// full set of species the coordinator manages at this site; anything in
// observed or current outside it is left untouched. current is the
// registry's existing slice for the site.
//
// Deletes are always emitted before the create for the same species, so the
// authority never sees two active policies for one species at once.
func Plan(observed map[string]uint32, targets []wire.TargetBand, current map[string]Entry) []Mutation {
	var plan []Mutation

	for _, band := range targets {
		count := observed[band.Species]
		desired, wantsPolicy := Desired(count, band)

		cur, hasCurrent := current[band.Species]

		switch {
		case hasCurrent && wantsPolicy && cur.Action == desired:
			// already correct: no mutation

		case hasCurrent && (!wantsPolicy || cur.Action != desired):
			plan = append(plan, Mutation{Kind: Delete, Species: band.Species, PolicyID: cur.PolicyID})
			if wantsPolicy {
				plan = append(plan, Mutation{Kind: Create, Species: band.Species, Action: desired})
			}

		case !hasCurrent && wantsPolicy:
			plan = append(plan, Mutation{Kind: Create, Species: band.Species, Action: desired})
		}
	}

	return plan
}

// Apply folds a mutation into a copy of current, as if the authority had
// acknowledged it. It's used by tests to check convergence and idempotence
// without standing up a real authority session.
func Apply(current map[string]Entry, mut Mutation, newPolicyID uint32) map[string]Entry {
	next := make(map[string]Entry, len(current))
	for k, v := range current {
		next[k] = v
	}
	switch mut.Kind {
	case Delete:
		for species, e := range next {
			if e.PolicyID == mut.PolicyID {
				delete(next, species)
			}
		}
	case Create:
		next[mut.Species] = Entry{PolicyID: newPolicyID, Action: mut.Action}
	}
	return next
}
