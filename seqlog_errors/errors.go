// Provides common seqlog errors definitions.
package seqlog_errors

import "errors"

var (
	// Gate verdicts. The operation is rejected and never applied.
	ErrInvalidSignature = errors.New("seqlog: invalid signature")
	ErrAccessDenied     = errors.New("seqlog: access denied")

	// The operation references something this replica has not seen yet.
	// Keep it and retry after more operations arrive.
	ErrMissingDependency = errors.New("seqlog: missing dependency")

	// Construction time errors: the reference is not in the local live view.
	ErrIndexNotFound = errors.New("seqlog: index not found")
	ErrInvalidTarget = errors.New("seqlog: invalid target")

	// Another operation already holds the id, e.g. two replicas sharing a key.
	ErrConflict = errors.New("seqlog: operation conflicts with an applied one")

	ErrWrongAddress   = errors.New("seqlog: operation addressed to another sequence")
	ErrBadOperation   = errors.New("seqlog: malformed operation")
	ErrBadPolicy      = errors.New("seqlog: malformed policy")
	ErrBadAddress     = errors.New("seqlog: malformed address")
	ErrBadHPacket     = errors.New("seqlog: bad handshake packet")
	ErrBadPacket      = errors.New("seqlog: unsupported packet")
	ErrUnknownSeq     = errors.New("seqlog: unknown sequence")
	ErrSequenceExists = errors.New("seqlog: sequence already exists")
	ErrPendingFull    = errors.New("seqlog: pending operation buffer is full")
	ErrClosed         = errors.New("seqlog: no replica open")

	ErrBadIdentity      = errors.New("seqlog: malformed identity")
	ErrBadThreshold     = errors.New("seqlog: bad group threshold")
	ErrNotEnoughSigners = errors.New("seqlog: not enough signers to reach the threshold")
)
