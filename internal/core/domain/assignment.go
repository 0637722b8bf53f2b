package domain

import "time"

// RoleAssignment records that one entitlement transaction currently grants
// one Discord role. One record exists per (user, transaction) pair; the
// record is overwritten when the grant succeeds again and deleted when the
// owning entitlement ends or the user disconnects.
type RoleAssignment struct {
	UserID        string
	TransactionID string
	RoleID        string
	ProductID     string
	GrantedAt     time.Time
}
