package api

// BlockIPRequest is the body of POST /api/v1/admission/blocked.
type BlockIPRequest struct {
	IP     string `json:"ip" binding:"required,ip"`
	Reason string `json:"reason"`
}

// HistoryQuery is the query of GET /api/v1/sessions/:id/history. An absent
// limit uses the store default; the store also caps it to its configured max.
type HistoryQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}
