package audit

import "time"

// TimelineFilters narrows the audit timeline of one society.
type TimelineFilters struct {
	SocietyID int64
	From      time.Time
	To        time.Time
	ActorID   int64
	Entity    string
	Action    string
	Page      int
	PageSize  int
}

// TimelineRow is one audit_logs record.
type TimelineRow struct {
	ID       int64          `json:"id"`
	At       time.Time      `json:"occurred_at"`
	ActorID  int64          `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// PagingInfo describes the page returned by Timeline.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	HasPrev  bool `json:"has_prev"`
	NextPage int  `json:"next_page,omitempty"`
	PrevPage int  `json:"prev_page,omitempty"`
}

// Result is a single timeline page.
type Result struct {
	From   time.Time     `json:"from"`
	To     time.Time     `json:"to"`
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}
