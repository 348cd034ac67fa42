package classifier

// Decision is the outcome of classifying one request.
type Decision string

const (
	Allow Decision = "ALLOW"
	Block Decision = "BLOCK"
)

// Reasons attached to verdicts. They are stable strings used in log lines
// and metric labels.
const (
	ReasonUnresolvableActor   = "unresolvable actor"
	ReasonEstablished         = "established relationship"
	ReasonDeniedInstance      = "denied instance"
	ReasonAllowedInstance     = "allowed instance"
	ReasonActivityNotFiltered = "activity not filtered"
	ReasonStoreUnavailable    = "low-trust unknown actor (store unavailable)"
	ReasonLowTrust            = "low-trust unknown actor"
	ReasonUnknownInstance     = "unknown instance"
	ReasonEstablishedInstance = "established instance"
	ReasonAccountTooNew       = "account too new"
	ReasonBurst               = "delivery burst from instance"
	ReasonPassed              = "passed heuristics"
)

// Verdict is produced once per request and drives exactly one forwarding
// decision.
type Verdict struct {
	Decision Decision
	Reason   string
}

func (v Verdict) Allowed() bool { return v.Decision == Allow }

func (v Verdict) String() string {
	if v.Reason == "" {
		return string(v.Decision)
	}
	return string(v.Decision) + ": " + v.Reason
}

func allow(reason string) Verdict { return Verdict{Decision: Allow, Reason: reason} }

func block(reason string) Verdict { return Verdict{Decision: Block, Reason: reason} }
