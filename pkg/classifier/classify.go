// Package classifier decides whether an inbox delivery is forwarded or
// dropped. Classify is a pure function of its inputs.
package classifier

import (
	"strings"
	"time"

	"apwall/pkg/actor"
	"apwall/pkg/store"
)

// Signals are per-request inputs that do not come from the relationship
// store.
type Signals struct {
	// ActivityType is the top-level "type" of the JSON body, if any.
	ActivityType string
	// Burst is set when the actor's instance exceeded its delivery rate.
	Burst bool
	// Now anchors the account age check.
	Now time.Time
}

// Classify applies, in order: actor presence, established relationship,
// instance deny and allow lists, activity type, store availability, instance
// standing and finally the user count, age and burst heuristics. Actors on an
// established instance are never looked at individually.
func Classify(p Policy, id *actor.Identity, facts store.Facts, sig Signals) Verdict {
	if id == nil || id.URI == "" {
		return block(ReasonUnresolvableActor)
	}
	if facts.Established() {
		return allow(ReasonEstablished)
	}
	host := hostname(id.Host)
	if matchesInstance(host, p.DenyInstances) {
		return block(ReasonDeniedInstance)
	}
	if matchesInstance(host, p.AllowInstances) {
		return allow(ReasonAllowedInstance)
	}
	if !p.filters(sig.ActivityType) {
		return allow(ReasonActivityNotFiltered)
	}
	if facts.Degraded {
		return block(ReasonStoreUnavailable)
	}
	if !facts.InstanceKnown && p.BlockUnknownInstance {
		return block(ReasonUnknownInstance)
	}
	if facts.InstanceFollowers >= p.MinInstanceFollowers || facts.InstanceFollowing >= p.MinInstanceFollowing {
		return allow(ReasonEstablishedInstance)
	}
	if !facts.Known && p.BlockUnknownActor {
		return block(ReasonLowTrust)
	}
	if p.MinAccountAge > 0 && !facts.CreatedAt.IsZero() && !sig.Now.IsZero() &&
		sig.Now.Sub(facts.CreatedAt) < p.MinAccountAge {
		return block(ReasonAccountTooNew)
	}
	if facts.Followers < p.MinUserFollowers && facts.Following < p.MinUserFollowing {
		return block(ReasonLowTrust)
	}
	if sig.Burst && p.BlockOnBurst {
		return block(ReasonBurst)
	}
	return allow(ReasonPassed)
}

// filters reports whether activities of type t go through the heuristics. An
// empty filter list or a missing type filters everything.
func (p Policy) filters(t string) bool {
	if len(p.FilteredActivityTypes) == 0 || t == "" {
		return true
	}
	for _, ft := range p.FilteredActivityTypes {
		if strings.EqualFold(ft, t) {
			return true
		}
	}
	return false
}

func matchesInstance(host string, list []string) bool {
	for _, entry := range list {
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func hostname(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
