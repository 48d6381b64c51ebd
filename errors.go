package signoff

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("signoff: no store configured")
	ErrNoResolver  = errors.New("signoff: no identity resolver configured")
	ErrNoTransport = errors.New("signoff: no transport configured")

	// Not found errors.
	ErrTaskNotFound     = errors.New("signoff: task not found")
	ErrIdentityNotFound = errors.New("signoff: identity not found")
	ErrMessageNotFound  = errors.New("signoff: message not found")
	ErrWorkerNotFound   = errors.New("signoff: worker not found")

	// Conflict errors.
	ErrTaskAlreadyExists    = errors.New("signoff: task already exists")
	ErrMessageAlreadyExists = errors.New("signoff: message already exists")

	// Decision errors.
	ErrInvalidParticipant = errors.New("signoff: creator cannot be an approver")
	ErrNotAnApprover      = errors.New("signoff: identity is not an assigned approver")
	ErrAlreadyDecided     = errors.New("signoff: approval already recorded")
)
