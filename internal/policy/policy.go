// Package policy decides which actor may trigger which escrow transition.
// Every function is a pure predicate over its arguments.
package policy

import (
	"github.com/google/uuid"

	"github.com/tasklinker/backend/internal/models"
)

// CanFund: only the escrow's client pays into it.
func CanFund(actor models.Actor, escrow *models.EscrowAccount) bool {
	return escrow != nil && actor.ID != uuid.Nil && actor.ID == escrow.ClientID
}

// CanCreateMilestone: the client structures payment for their own escrow.
func CanCreateMilestone(actor models.Actor, escrow *models.EscrowAccount) bool {
	return CanFund(actor, escrow)
}

// CanAcceptApplication: the client who posted the task picks the freelancer.
func CanAcceptApplication(actor models.Actor, task *models.Task) bool {
	return task != nil && actor.ID != uuid.Nil && actor.ID == task.ClientID
}

// CanRaiseDispute: only the freelancer of the task's single accepted application.
// acceptedFreelancerID is uuid.Nil when the task has no accepted application.
func CanRaiseDispute(actor models.Actor, acceptedFreelancerID uuid.UUID) bool {
	return acceptedFreelancerID != uuid.Nil && actor.ID == acceptedFreelancerID
}

func CanRelease(actor models.Actor, milestone *models.Milestone, escrow *models.EscrowAccount) bool {
	if actor.IsAdmin() {
		return true
	}
	return milestone != nil && milestone.Status == models.MilestoneFunded && CanFund(actor, escrow)
}

func CanRefund(actor models.Actor) bool {
	return actor.IsAdmin()
}

func CanResolveDispute(actor models.Actor) bool {
	return actor.IsAdmin()
}

// CanView: the two parties to the escrow, or an admin.
func CanView(actor models.Actor, escrow *models.EscrowAccount, acceptedFreelancerID uuid.UUID) bool {
	return actor.IsAdmin() || CanFund(actor, escrow) || CanRaiseDispute(actor, acceptedFreelancerID)
}
