package models

import "github.com/google/uuid"

// Roles carried on the access token. Admin is never self-assigned.
const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
	RoleAdmin      = "admin"
)

// Actor is the authenticated caller of a core operation.
type Actor struct {
	ID   uuid.UUID
	Role string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
