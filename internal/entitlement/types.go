package entitlement

import (
	"errors"
	"time"
)

// Seat statuses.
const (
	SeatActive  = "active"
	SeatRevoked = "revoked"
)

// Seat roles. Owners and admins may manage seats.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Revocation reason recorded by the sweep.
const ReasonExpired = "expired"

var (
	ErrNotFound            = errors.New("entitlement: not found")
	ErrValidation          = errors.New("entitlement: validation error")
	ErrNoActiveSeat        = errors.New("entitlement: no active seat")
	ErrSeatNotFound        = errors.New("entitlement: seat not found")
	ErrForbidden           = errors.New("entitlement: organization admin required")
	ErrInsufficientCredits = errors.New("entitlement: insufficient credits")
	ErrCollaborator        = errors.New("entitlement: collaborator failure")
	ErrConfiguration       = errors.New("entitlement: configuration error")
)

// Seat binds one identity to an organization subscription.
type Seat struct {
	ID               string     `json:"id"`
	OrgID            string     `json:"org_id"`
	SubscriptionID   string     `json:"subscription_id,omitempty"`
	Identity         string     `json:"identity"`
	Role             string     `json:"role"`
	Status           string     `json:"status"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	AssignedBy       string     `json:"assigned_by,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// CanManage reports whether the seat grants organization-admin capability.
func (s Seat) CanManage() bool {
	return s.Role == RoleOwner || s.Role == RoleAdmin
}

// Subscription is an organization's pooled credit allowance.
type Subscription struct {
	ID           string
	OrgID        string
	Status       string
	TotalCredits int64
	UsedCredits  int64
	SeatsTotal   int
	SeatsUsed    int
}

// Remaining never goes below zero, even if usage over-ran concurrently.
func (s Subscription) Remaining() int64 {
	if s.UsedCredits >= s.TotalCredits {
		return 0
	}
	return s.TotalCredits - s.UsedCredits
}

// OrgCredits is the snapshot returned to a seat holder.
type OrgCredits struct {
	OrgID              string `json:"org_id"`
	SubscriptionID     string `json:"subscription_id,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
	SeatRole           string `json:"seat_role"`
	TotalCredits       int64  `json:"total_credits"`
	UsedCredits        int64  `json:"used_credits"`
	RemainingCredits   int64  `json:"remaining_credits"`
	RemainingValue     string `json:"remaining_value"`
	Currency           string `json:"currency"`
	SeatsTotal         int    `json:"seats_total"`
	SeatsUsed          int    `json:"seats_used"`
}

// UserCredits is an individual balance.
type UserCredits struct {
	Identity string `json:"identity"`
	PlanType string `json:"plan_type"`
	Credits  int64  `json:"credits"`
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// SeatRevision describes a transition of an active seat to revoked.
type SeatRevision struct {
	Reason    string
	RevokedBy string
	At        time.Time
}

// SweepResult reports one pass of the expired-seat sweep.
type SweepResult struct {
	SeatsRevoked         int64 `json:"seats_revoked"`
	SubscriptionsUpdated int64 `json:"subscriptions_updated"`
}
