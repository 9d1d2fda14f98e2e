package models

import "time"

// WARole is the privilege level of a wise authority certificate.
type WARole string

const (
	// WARoleRoot may perform any action, including minting authorities
	WARoleRoot WARole = "root"
	// WARoleAuthority may perform any action except minting/bootstrap
	WARoleAuthority WARole = "authority"
	// WARoleObserver may only read, observe, and send messages
	WARoleObserver WARole = "observer"
)

// IsValid checks if the role is a known WA role
func (r WARole) IsValid() bool {
	return r == WARoleRoot || r == WARoleAuthority || r == WARoleObserver
}

// WACertificate is the identity record of a wise authority.
type WACertificate struct {
	WAID            string     `db:"wa_id" json:"wa_id"`
	Name            string     `db:"name" json:"name"`
	Role            WARole     `db:"role" json:"role"`
	PubkeyB64       string     `db:"pubkey" json:"pubkey"`
	JWTKid          string     `db:"jwt_kid" json:"jwt_kid"`
	PasswordHash    *string    `db:"password_hash" json:"-"`
	APIKeyHash      *string    `db:"api_key_hash" json:"-"`
	OAuthProvider   *string    `db:"oauth_provider" json:"oauth_provider,omitempty"`
	OAuthExternalID *string    `db:"oauth_external_id" json:"oauth_external_id,omitempty"`
	AdapterID       *string    `db:"adapter_id" json:"adapter_id,omitempty"`
	ParentWAID      *string    `db:"parent_wa_id" json:"parent_wa_id,omitempty"`
	ParentSignature *string    `db:"parent_signature" json:"parent_signature,omitempty"`
	ScopesJSON      string     `db:"scopes_json" json:"scopes_json"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	LastAuth        *time.Time `db:"last_auth" json:"last_auth,omitempty"`
	Active          bool       `db:"active" json:"active"`
}

// DeferralPriority buckets task priority for WA review queues.
type DeferralPriority string

const (
	// DeferralPriorityLow is the default review priority
	DeferralPriorityLow DeferralPriority = "low"
	// DeferralPriorityMedium is elevated review priority
	DeferralPriorityMedium DeferralPriority = "medium"
	// DeferralPriorityHigh is urgent review priority
	DeferralPriorityHigh DeferralPriority = "high"
)

// DeferralRequest asks a wise authority to take over a task decision.
type DeferralRequest struct {
	TaskID     string            `json:"task_id"`
	ThoughtID  string            `json:"thought_id"`
	Reason     string            `json:"reason"`
	DeferUntil time.Time         `json:"defer_until"`
	Context    map[string]string `json:"context,omitempty"`
}

// DeferralResolution is a WA's decision on a pending deferral.
type DeferralResolution struct {
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
	ResolvedBy string `json:"resolved_by"`
}

// PendingDeferral is a deferred task awaiting WA resolution.
type PendingDeferral struct {
	DeferralID  string           `json:"deferral_id"`
	TaskID      string           `json:"task_id"`
	ThoughtID   string           `json:"thought_id"`
	Reason      string           `json:"reason"`
	DeferUntil  time.Time        `json:"defer_until"`
	CreatedAt   time.Time        `json:"created_at"`
	Priority    DeferralPriority `json:"priority"`
	AssignedWA  string           `json:"assigned_wa_id,omitempty"`
	RequiresWA  bool             `json:"requires_wa"`
}

// GuidanceRequest asks for WA guidance on a decision point.
type GuidanceRequest struct {
	Context string   `json:"context"`
	Options []string `json:"options,omitempty"`
	TaskID  string   `json:"task_id,omitempty"`
}

// GuidanceResponse carries WA-provided guidance, if any exists.
type GuidanceResponse struct {
	Guidance string `json:"guidance,omitempty"`
	WAID     string `json:"wa_id,omitempty"`
}
