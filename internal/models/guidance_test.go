package models

import (
	"testing"

	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		from    GuidanceStatus
		action  GuidanceAction
		want    GuidanceStatus
		wantErr bool
	}{
		{"accept requested", GuidanceStatusRequested, GuidanceActionAccept, GuidanceStatusAccepted, false},
		{"reject requested", GuidanceStatusRequested, GuidanceActionReject, GuidanceStatusRejected, false},
		{"reschedule requested", GuidanceStatusRequested, GuidanceActionReschedule, GuidanceStatusRequested, false},
		{"cancel requested", GuidanceStatusRequested, GuidanceActionCancel, GuidanceStatusCancelled, false},
		{"summary after accept", GuidanceStatusAccepted, GuidanceActionSubmitSummary, GuidanceStatusSummaryPending, false},
		{"approve summary", GuidanceStatusSummaryPending, GuidanceActionApproveSummary, GuidanceStatusCompleted, false},
		{"reschedule accepted", GuidanceStatusAccepted, GuidanceActionReschedule, "", true},
		{"cancel accepted", GuidanceStatusAccepted, GuidanceActionCancel, "", true},
		{"cancel completed", GuidanceStatusCompleted, GuidanceActionCancel, "", true},
		{"accept twice", GuidanceStatusAccepted, GuidanceActionAccept, "", true},
		{"summary before accept", GuidanceStatusRequested, GuidanceActionSubmitSummary, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.from, tc.action)
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, next)
		})
	}
}

func TestGuidanceStatusInvariants(t *testing.T) {
	require.True(t, GuidanceStatusAccepted.RequiresApprovedAt())
	require.True(t, GuidanceStatusSummaryPending.RequiresApprovedAt())
	require.True(t, GuidanceStatusCompleted.RequiresApprovedAt())
	require.False(t, GuidanceStatusRequested.RequiresApprovedAt())
	require.False(t, GuidanceStatusRejected.RequiresApprovedAt())
	require.False(t, GuidanceStatusCancelled.RequiresApprovedAt())

	require.True(t, GuidanceStatusRejected.IsTerminal())
	require.True(t, GuidanceStatusCompleted.IsTerminal())
	require.True(t, GuidanceStatusCancelled.IsTerminal())
	require.False(t, GuidanceStatusRequested.IsTerminal())
}

func TestChainHelpers(t *testing.T) {
	chain := &ApprovalChain{
		Kind:  ChainKindChangeRequest,
		Phase: ChainPhaseSupervisors,
		Approvals: []Approval{
			{ApproverID: "sup-1", Phase: ChainPhaseSupervisors, Status: ApprovalStatusApproved},
			{ApproverID: "sup-2", Phase: ChainPhaseSupervisors, Status: ApprovalStatusPending},
		},
	}

	require.NotNil(t, chain.ApprovalFor("sup-1"))
	require.Nil(t, chain.ApprovalFor("someone-else"))
	require.False(t, chain.AllApproved(ChainPhaseSupervisors))
	require.False(t, chain.Revocable())

	chain.Approvals[1].Status = ApprovalStatusApproved
	require.True(t, chain.AllApproved(ChainPhaseSupervisors))
	// no department approvals exist yet, so that phase cannot be approved
	require.False(t, chain.AllApproved(ChainPhaseDepartment))

	readiness := &ApprovalChain{Kind: ChainKindDefence}
	require.True(t, readiness.Revocable())
}
