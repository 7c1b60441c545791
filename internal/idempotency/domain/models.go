package domain

import "time"

type Status string

const (
	StatusInflight Status = "inflight"
	StatusDone     Status = "done"
)

// Record is one row of idempotency_keys. ResponseJSON is stored as text so a
// replay returns exactly the bytes of the first response.
type Record struct {
	Key          string    `gorm:"column:key;primaryKey;type:text"`
	Method       string    `gorm:"column:method;type:text;not null"`
	OrgID        string    `gorm:"column:org_id;type:text;not null;index"`
	Status       Status    `gorm:"column:status;type:text;not null"`
	ResponseJSON *string   `gorm:"column:response_json;type:text"`
	StatusCode   *int      `gorm:"column:status_code"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null;index"`
}

func (Record) TableName() string { return "idempotency_keys" }

// Expired reports whether the record should be treated as absent.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Matches reports whether the record was created for the same method and
// organization. An empty orgID matches any organization.
func (r *Record) Matches(method, orgID string) bool {
	if r.Method != method {
		return false
	}
	return orgID == "" || r.OrgID == orgID
}

// Response returns the stored response of a finalized record.
func (r *Record) Response() *StoredResponse {
	if r == nil || r.Status != StatusDone || r.ResponseJSON == nil || r.StatusCode == nil {
		return nil
	}
	return &StoredResponse{
		StatusCode: *r.StatusCode,
		Body:       []byte(*r.ResponseJSON),
	}
}

type StoredResponse struct {
	StatusCode int
	Body       []byte
}

// Token proves ownership of an in-flight reservation. ReservedAt fences a
// reservation that was taken over by another caller.
type Token struct {
	Key        string
	Method     string
	OrgID      string
	ReservedAt time.Time
	ExpiresAt  time.Time
}
