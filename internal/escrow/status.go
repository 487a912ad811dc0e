package escrow

import "github.com/tasklinker/backend/internal/models"

// DeriveEscrowStatus computes an escrow account's status from its milestones.
// An account is pending until a milestone is funded, funded while money is
// held or work remains unfunded, and released or refunded once every
// milestone is terminal. Released wins when the terminal set is mixed.
func DeriveEscrowStatus(milestones []*models.Milestone) string {
	started := false
	allTerminal := len(milestones) > 0
	anyReleased := false
	for _, m := range milestones {
		if m.Status != models.MilestonePending {
			started = true
		}
		if !m.Status.Terminal() {
			allTerminal = false
		}
		if m.Status == models.MilestoneReleased {
			anyReleased = true
		}
	}
	switch {
	case !started:
		return models.EscrowStatusPending
	case allTerminal && anyReleased:
		return models.EscrowStatusReleased
	case allTerminal:
		return models.EscrowStatusRefunded
	}
	return models.EscrowStatusFunded
}

// ComputeBalance splits an escrow total by milestone status.
func ComputeBalance(e *models.EscrowAccount, milestones []*models.Milestone) models.EscrowBalance {
	b := models.EscrowBalance{Total: e.TotalAmount}
	for _, m := range milestones {
		b.Allocated += m.Amount
		switch {
		case m.Status == models.MilestonePending:
			b.Pending += m.Amount
		case m.Status.Held():
			b.Held += m.Amount
		case m.Status == models.MilestoneReleased:
			b.Released += m.Amount
		case m.Status == models.MilestoneRefunded:
			b.Refunded += m.Amount
		}
	}
	b.Unallocated = b.Total - b.Allocated
	return b
}
