package signoff

import "github.com/xraph/signoff/id"

// ID is the primary identifier type for all Signoff entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
