package sequence

import (
	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/policy"
	"github.com/drpcorg/seqlog/seqlog_errors"
)

// Capability is what an operation of this kind needs from the policy.
func (k OpKind) Capability() policy.Capability {
	if k == Remove {
		return policy.Remove
	}
	return policy.Append
}

// Admit decides whether op may be applied under pol when signer presents
// it. It does not look at any log state, so local and remote operations
// get exactly the same treatment. The verdict is nil,
// seqlog_errors.ErrInvalidSignature or a *policy.AccessDeniedError.
func Admit(op *Operation, pol *policy.Policy, signer identity.Identity, v identity.Verifier) error {
	if signer.IsZero() || signer != op.ID.Actor {
		return seqlog_errors.ErrInvalidSignature
	}
	if op.Kind != Insert && op.Kind != Remove {
		return seqlog_errors.ErrBadOperation
	}
	if !v.Verify(signer, op.Canonical(), op.Signature) {
		return seqlog_errors.ErrInvalidSignature
	}
	return pol.Check(signer, op.Kind.Capability())
}
