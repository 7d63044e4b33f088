package gate

import "time"

const (
	// minTokenTTL is the shortest lifetime a scoped credential may be
	// requested with. Requests below this fail validation.
	minTokenTTL = time.Hour

	// maxTokenTTL caps credential lifetime at 30 days.
	maxTokenTTL = 720 * time.Hour

	// defaultTokenTTL is used when the agent does not specify a lifetime,
	// and for transparent renewals of expired credentials.
	defaultTokenTTL = time.Hour

	// defaultApprovalTimeout bounds both interactive elicitation and a
	// single await_token_approval call. Awaiting again after a timeout is
	// allowed as long as the approval session is still pending.
	defaultApprovalTimeout = 2 * time.Minute

	// approvalPendingTTL is how long an unresolved approval session stays
	// actionable before the janitor marks it expired.
	approvalPendingTTL = 15 * time.Minute

	// approvalRetention is how long resolved (or expired) approval sessions
	// remain queryable before they are garbage-collected. Lookups after
	// collection report not-found.
	approvalRetention = 10 * time.Minute

	// janitorInterval is how often the approval janitor sweeps.
	janitorInterval = 30 * time.Second

	// approvalHistoryLimit bounds the per-session record of approval
	// sessions it has created.
	approvalHistoryLimit = 20
)
