package session

import (
	"context"

	"github.com/Masterminds/semver/v3"

	"github.com/hivemesh/fabric/internal/fault"
)

// A2AMediator is the external collaborator that decides agent-to-agent
// handshakes
type A2AMediator interface {
	Handshake(ctx context.Context, initiator, responder, protocol string) (accepted bool, err error)
}

// SupportedProtocolRange is the default constraint for handshake
// protocol versions
const SupportedProtocolRange = "^1.0.0"

// SemverMediator accepts a handshake iff its protocol version
// satisfies the configured constraint
type SemverMediator struct {
	constraint *semver.Constraints
}

// NewSemverMediator builds a mediator from a semver range
func NewSemverMediator(rangeExpr string) (*SemverMediator, error) {
	c, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidArgument, err, "invalid protocol range %q", rangeExpr)
	}
	return &SemverMediator{constraint: c}, nil
}

// Handshake checks the protocol version against the constraint
func (m *SemverMediator) Handshake(ctx context.Context, initiator, responder, protocol string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	v, err := semver.NewVersion(protocol)
	if err != nil {
		return false, fault.Wrap(fault.KindInvalidArgument, err, "invalid protocol version %q", protocol)
	}
	return m.constraint.Check(v), nil
}
