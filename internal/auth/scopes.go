package auth

// Known OAuth scopes.
const (
	ScopeActivitiesWrite   = "activities:write"
	ScopeActivitiesRead    = "activities:read"
	ScopeSettlementOperate = "settlement:operate"
)
