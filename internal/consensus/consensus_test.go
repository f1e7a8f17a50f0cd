package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/fabric/internal/fault"
)

func yesNoOptions() []Option {
	return []Option{
		{ID: "accept-veto", Label: "Accept veto", Value: true},
		{ID: "reject-veto", Label: "Reject veto", Value: false},
	}
}

func TestCreateSessionValidation(t *testing.T) {
	e := NewEngine()

	_, err := e.CreateSession("empty", nil, 0)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))

	_, err = e.CreateSession("dup", []Option{{ID: "a"}, {ID: "a"}}, 0)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))

	_, err = e.CreateSession("blank id", []Option{{ID: ""}}, 0)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))

	id, err := e.CreateSession("ok", yesNoOptions(), 2)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestCastVoteErrors(t *testing.T) {
	e := NewEngine()
	id, err := e.CreateSession("veto t1", yesNoOptions(), 0)
	require.NoError(t, err)

	assert.Equal(t, fault.KindNotFound, fault.KindOf(e.CastVote("missing", "u1", "accept-veto", "")))
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(e.CastVote(id, "u1", "maybe", "")))

	require.NoError(t, e.CastVote(id, "u1", "accept-veto", "duplicate work"))
	assert.Equal(t, fault.KindConflict, fault.KindOf(e.CastVote(id, "u1", "reject-veto", "")))

	_, err = e.CloseSession(id, SimpleMajority, 0)
	require.NoError(t, err)
	assert.Equal(t, fault.KindInvalidState, fault.KindOf(e.CastVote(id, "u2", "accept-veto", "")))
}

func TestCastWeightedVoteScopedToSession(t *testing.T) {
	e := NewEngine()
	e.RegisterVoter(Voter{ID: "A", Weight: 9})

	id, err := e.CreateSession("t", yesNoOptions(), 0)
	require.NoError(t, err)

	require.NoError(t, e.CastWeightedVote(id, "A", "accept-veto", "", 2))
	require.NoError(t, e.CastWeightedVote(id, "B", "reject-veto", "", 3))

	assert.Equal(t, fault.KindInvalidArgument,
		fault.KindOf(e.CastWeightedVote(id, "C", "accept-veto", "", 0)))

	res, err := e.CloseSession(id, WeightedMajority, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Tally["accept-veto"])
	assert.Equal(t, 3.0, res.Tally["reject-veto"])

	// explicit weights never touch the registry
	assert.Equal(t, 9.0, e.VoterWeight("A"))
	assert.Equal(t, 1.0, e.VoterWeight("B"))
}

func TestDeriveWeightDeterministic(t *testing.T) {
	v := Voter{ID: "a1", Expertise: []string{"code", "test", "review"}}
	w1 := DeriveWeight(v)
	w2 := DeriveWeight(Voter{ID: "other", Expertise: []string{"code", "test", "review"}})
	assert.Equal(t, w1, w2)
	assert.Equal(t, 2.0, w1) // ceil(3/2)

	assert.Equal(t, 1.0, DeriveWeight(Voter{ID: "none"}))
	assert.Equal(t, 1.0, DeriveWeight(Voter{ID: "one", Expertise: []string{"code"}}))
	assert.Equal(t, 3.0, DeriveWeight(Voter{ID: "explicit", Weight: 3}))
}

func TestSimpleMajority(t *testing.T) {
	e := NewEngine()
	id, _ := e.CreateSession("t", yesNoOptions(), 0)

	require.NoError(t, e.CastVote(id, "u1", "accept-veto", ""))
	require.NoError(t, e.CastVote(id, "u2", "accept-veto", ""))
	require.NoError(t, e.CastVote(id, "u3", "reject-veto", ""))

	res, err := e.CloseSession(id, SimpleMajority, 0)
	require.NoError(t, err)
	require.NotNil(t, res.WinningOption)
	assert.Equal(t, "accept-veto", res.WinningOption.ID)
	assert.True(t, res.ConsensusReached)
	assert.InDelta(t, 2.0/3.0, res.Confidence, 1e-9)
	assert.Equal(t, 2.0, res.Tally["accept-veto"])
	assert.Equal(t, 1.0, res.Tally["reject-veto"])
}

func TestSimpleMajorityTie(t *testing.T) {
	e := NewEngine()
	id, _ := e.CreateSession("t", yesNoOptions(), 0)

	require.NoError(t, e.CastVote(id, "u1", "accept-veto", ""))
	require.NoError(t, e.CastVote(id, "u3", "reject-veto", ""))

	res, err := e.CloseSession(id, SimpleMajority, 0)
	require.NoError(t, err)
	require.NotNil(t, res.WinningOption)
	// Lexicographically smallest id wins the tie but consensus fails.
	assert.Equal(t, "accept-veto", res.WinningOption.ID)
	assert.False(t, res.ConsensusReached)
}

func TestWeightedMajorityCapabilityScenario(t *testing.T) {
	// Agents A (weight 2), B (weight 1), C (weight 2), each voting for
	// itself on task "write code".
	e := NewEngine()
	e.RegisterVoter(Voter{ID: "A", Weight: 2})
	e.RegisterVoter(Voter{ID: "B", Weight: 1})
	e.RegisterVoter(Voter{ID: "C", Weight: 2})

	opts := []Option{{ID: "A"}, {ID: "B"}, {ID: "C"}}
	id, _ := e.CreateSession("delegate: write code", opts, 0)

	require.NoError(t, e.CastVote(id, "A", "A", ""))
	require.NoError(t, e.CastVote(id, "B", "B", ""))
	require.NoError(t, e.CastVote(id, "C", "C", ""))

	res, err := e.CloseSession(id, WeightedMajority, 0)
	require.NoError(t, err)
	require.NotNil(t, res.WinningOption)
	assert.Equal(t, "A", res.WinningOption.ID) // lexicographic over equal weight C
	assert.False(t, res.ConsensusReached)      // 2 is not > 5/2... it is not > 2.5
	assert.InDelta(t, 0.4, res.Confidence, 1e-9)
}

func TestWeightedMajorityReached(t *testing.T) {
	e := NewEngine()
	e.RegisterVoter(Voter{ID: "A", Weight: 4})
	e.RegisterVoter(Voter{ID: "B", Weight: 1})

	opts := []Option{{ID: "A"}, {ID: "B"}}
	id, _ := e.CreateSession("t", opts, 0)
	require.NoError(t, e.CastVote(id, "A", "A", ""))
	require.NoError(t, e.CastVote(id, "B", "B", ""))

	res, err := e.CloseSession(id, WeightedMajority, 0)
	require.NoError(t, err)
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, "A", res.WinningOption.ID)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
}

func TestSupermajority(t *testing.T) {
	e := NewEngine()
	e.RegisterVoter(Voter{ID: "u1", Weight: 3})
	e.RegisterVoter(Voter{ID: "u2", Weight: 1})

	id, _ := e.CreateSession("t", yesNoOptions(), 0)
	require.NoError(t, e.CastVote(id, "u1", "accept-veto", ""))
	require.NoError(t, e.CastVote(id, "u2", "reject-veto", ""))

	// winning 3 of 4 = 0.75 >= 0.67 threshold
	res, err := e.CloseSession(id, Supermajority, 0)
	require.NoError(t, err)
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, "accept-veto", res.WinningOption.ID)

	// Same distribution fails a higher bar.
	id2, _ := e.CreateSession("t2", yesNoOptions(), 0)
	require.NoError(t, e.CastVote(id2, "u1", "accept-veto", ""))
	require.NoError(t, e.CastVote(id2, "u2", "reject-veto", ""))
	res2, err := e.CloseSession(id2, Supermajority, 0.8)
	require.NoError(t, err)
	assert.False(t, res2.ConsensusReached)
}

func TestConsensusThreshold(t *testing.T) {
	e := NewEngine()
	e.RegisterVoter(Voter{ID: "u1", Weight: 2})
	e.RegisterVoter(Voter{ID: "u2", Weight: 2})

	id, _ := e.CreateSession("t", yesNoOptions(), 0)
	require.NoError(t, e.CastVote(id, "u1", "accept-veto", ""))
	require.NoError(t, e.CastVote(id, "u2", "accept-veto", ""))

	res, err := e.CloseSession(id, ConsensusThreshold, 0)
	require.NoError(t, err)
	assert.True(t, res.ConsensusReached)

	// A single dissenting option breaks unanimity.
	e2 := NewEngine()
	e2.RegisterVoter(Voter{ID: "u1", Weight: 2})
	e2.RegisterVoter(Voter{ID: "u2", Weight: 2})
	id2, _ := e2.CreateSession("t", yesNoOptions(), 0)
	require.NoError(t, e2.CastVote(id2, "u1", "accept-veto", ""))
	require.NoError(t, e2.CastVote(id2, "u2", "reject-veto", ""))
	res2, err := e2.CloseSession(id2, ConsensusThreshold, 0)
	require.NoError(t, err)
	assert.False(t, res2.ConsensusReached)

	// A missing registered voter also fails, even when unanimous.
	e3 := NewEngine()
	e3.RegisterVoter(Voter{ID: "u1", Weight: 2})
	e3.RegisterVoter(Voter{ID: "u2", Weight: 2})
	id3, _ := e3.CreateSession("t", yesNoOptions(), 0)
	require.NoError(t, e3.CastVote(id3, "u1", "accept-veto", ""))
	res3, err := e3.CloseSession(id3, ConsensusThreshold, 0)
	require.NoError(t, err)
	assert.False(t, res3.ConsensusReached)
}

func TestQuorumGatesDecision(t *testing.T) {
	e := NewEngine()
	id, _ := e.CreateSession("t", yesNoOptions(), 2)

	require.NoError(t, e.CastVote(id, "u1", "accept-veto", ""))

	res, err := e.CloseSession(id, SimpleMajority, 0)
	require.NoError(t, err)
	assert.False(t, res.ConsensusReached)
	assert.Nil(t, res.WinningOption)
	// The distribution is still reported.
	assert.Equal(t, 1.0, res.Tally["accept-veto"])
	assert.Contains(t, res.Detail, "quorum not met")
}

func TestCloseIsIdempotent(t *testing.T) {
	e := NewEngine()
	id, _ := e.CreateSession("t", yesNoOptions(), 0)
	require.NoError(t, e.CastVote(id, "u1", "accept-veto", ""))

	first, err := e.CloseSession(id, SimpleMajority, 0)
	require.NoError(t, err)

	// A second close with a different algorithm still returns the
	// stored result unchanged.
	second, err := e.CloseSession(id, WeightedMajority, 0.9)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestCloseAfterDeadlineNoVotes(t *testing.T) {
	e := NewEngine()
	id, _ := e.CreateSession("t", yesNoOptions(), 0)

	res, err := e.CloseAfter(context.Background(), id, 10*time.Millisecond, SimpleMajority, 0)
	require.NoError(t, err)
	assert.False(t, res.ConsensusReached)
	assert.Nil(t, res.WinningOption)
	assert.Equal(t, "no votes cast", res.Detail)

	session, err := e.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, session.Status)
}

func TestVoteCountNeverExceedsVoters(t *testing.T) {
	e := NewEngine()
	id, _ := e.CreateSession("t", yesNoOptions(), 0)

	voters := []string{"u1", "u2", "u3"}
	for _, v := range voters {
		require.NoError(t, e.CastVote(id, v, "accept-veto", ""))
		// Re-voting must conflict rather than inflate the tally.
		assert.Error(t, e.CastVote(id, v, "reject-veto", ""))
	}

	session, err := e.GetSession(id)
	require.NoError(t, err)
	assert.Len(t, session.Votes, len(voters))
}
