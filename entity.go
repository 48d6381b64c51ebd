package signoff

import "time"

// Entity is the embedded base for all persisted records. It carries the
// creation and last-update timestamps; stores refresh UpdatedAt on every
// write.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity with both timestamps set to the current UTC
// time.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}
