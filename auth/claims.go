package auth

import "github.com/golang-jwt/jwt/v5"

// Roles recognised across the solostore API.
const (
	RoleOwner    = "owner"
	RoleOperator = "operator"
)

// Claims defines the JWT claims structure for solostore sessions.
// It embeds jwt.RegisteredClaims for standard fields (exp, iat, etc.) and
// adds the identity fields the API needs for routing decisions.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Email    string `json:"email,omitempty"`
}
