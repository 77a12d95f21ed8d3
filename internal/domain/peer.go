// Package domain contains entity without logic, just meta-data
package domain

type PeerID string

// Role is what a peer claims to be inside a room.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModel, RoleAdmin:
		return true
	}
	return false
}
