package auth

import "time"

// Token type discriminators carried in the "type" claim.
const (
	TokenTypeAccess    = "access"
	TokenTypeRefresh   = "refresh"
	TokenTypeExtension = "extension_long_lived"
)

// ChallengeMethodS256 is the only PKCE transform accepted.
const ChallengeMethodS256 = "S256"

// User is the internal record keyed by the identity provider subject.
type User struct {
	Identity         string
	Email            string
	Username         string
	PlanType         string
	Credits          int64
	OrganizationID   string
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Profile is the public view returned to extension clients.
type Profile struct {
	Identity string `json:"identity"`
	Email    string `json:"email,omitempty"`
	PlanType string `json:"plan_type"`
	Credits  int64  `json:"credits"`
}

// Public strips billing references from the record.
func (u User) Public() Profile {
	return Profile{
		Identity: u.Identity,
		Email:    u.Email,
		PlanType: u.PlanType,
		Credits:  u.Credits,
	}
}

// ProfileHints are optional values from the identity provider. They fill
// empty fields on upsert and never overwrite data already on the record.
type ProfileHints struct {
	Email    string
	Username string
}

// ExchangeRecord tracks one in-progress PKCE handshake.
type ExchangeRecord struct {
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	// CodeVerifier is set only when the server generated the pair.
	CodeVerifier      string
	RedirectURI       string
	AuthorizationCode string
	Identity          string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Expired reports whether the record can no longer transition.
func (r ExchangeRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ExchangeUpdate carries the fields a completion step sets. Nil fields are left alone.
type ExchangeUpdate struct {
	Identity          *string
	AuthorizationCode *string
}

// ExtensionToken is the durable record of a long-lived token. Only the hash
// of the signed token is stored.
type ExtensionToken struct {
	ID         string
	Identity   string
	TokenHash  string
	Label      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// ClientMeta describes the editor that owns a session.
type ClientMeta struct {
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	Platform  string `json:"platform,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Session couples an identity with the refresh token currently allowed to
// rotate it. A rotation replaces the record under a new id.
type Session struct {
	ID          string
	Identity    string
	RefreshHash string
	Client      ClientMeta
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// IssuedToken is a signed token and its expiry.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	// Label is set for extension tokens: the label stored with the record.
	Label string `json:"-"`
}

// SessionTokens is the result of starting or rotating a session.
type SessionTokens struct {
	SessionID string      `json:"session_id"`
	Access    IssuedToken `json:"access"`
	Refresh   IssuedToken `json:"refresh"`
}

// RevokeResult reports how many records a revoke call touched.
type RevokeResult struct {
	TokensRevoked int64 `json:"tokens_revoked"`
	SessionsEnded int64 `json:"sessions_ended"`
}
