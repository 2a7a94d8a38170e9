package license

import "license-server/internal/model"

// Request states parsed from the route.
type State string

const (
	StateActivate   State = "activate"
	StateDeactivate State = "deactivate"
	StateValidate   State = "validate"
)

// Binding status values.
const (
	BindingActive   = "active"
	BindingInactive = "inactive"
	BindingExpired  = "expired"
)

// Flag parameter values recognized on the validate route.
const (
	FlagCron          = "cron"
	FlagUpdateThemes  = "update_themes"
	FlagUpdatePlugins = "update_plugins"
)

// Binding is the per-(license, site) activation record stored as license
// metadata. Expired is "yes"/"no" rather than a bool to stay compatible with
// records written by earlier server versions.
type Binding struct {
	Status  string `json:"status,omitempty"`
	URL     string `json:"url,omitempty"`
	Email   string `json:"email,omitempty"`
	Expired string `json:"expired,omitempty"`
	Data    string `json:"data,omitempty"`
}

// Request is the ephemeral context of one inbound protocol call.
type Request struct {
	// Route is the request path, e.g. "/api/v1/licenses/activate/KEY".
	Route string

	// FormState is the state the caller claims in parameters; it must match
	// the state parsed from the route.
	FormState string

	Slug    string
	OrderID string
	Flag    string
	Data    string

	// SiteURL is the caller's claimed site (referer header); Email the
	// caller's claimed account email (from header).
	SiteURL string
	Email   string

	// Bearer-style authorization header split into scheme and value.
	AuthScheme string
	AuthValue  string
}

// Result is the outcome of a fully processed protocol call.
type Result struct {
	// PassThrough marks requests without a license-operation state that were
	// deliberately not blocked.
	PassThrough bool

	State   State
	Payload map[string]any

	// License is set for bookkeeping by the caller (usage records, exports);
	// it is not part of the payload.
	License *model.License
	Product *model.Product
}
