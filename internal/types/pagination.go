package types

// PageInfo contains pagination metadata for list responses.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
	TotalItems *int   `json:"total_items,omitempty"`
}

// ListResponse is a generic paginated response wrapper.
type ListResponse[T any] struct {
	Data     []T      `json:"data"`
	PageInfo PageInfo `json:"pagination"`
}

// ResponseMeta contains non-blocking metadata returned with API responses.
type ResponseMeta struct {
	Warnings   []string  `json:"warnings,omitempty"`
	Pagination *PageInfo `json:"pagination,omitempty"`
}

// ExecutionListFilters defines parameters for querying an agency's execution
// history. Zero values mean "no constraint on this dimension". Username
// narrows to executions that touched the account with that username.
type ExecutionListFilters struct {
	AgencyID string
	JobID    string
	Type     OperationType
	Status   ExecutionStatus
	Username string
	Limit    int
	Cursor   string
}
