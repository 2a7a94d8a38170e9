package license

import (
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"license-server/internal/model"
)

// LicenseStore looks up and mutates license records and their metadata.
type LicenseStore interface {
	FindByKey(key string) (*model.License, error)
	Update(id uint, fields map[string]any) error
	DecryptedKey(l *model.License) (string, error)
	GetMeta(licenseID uint, metaKey string) (*Binding, bool, error)
	SetMeta(licenseID uint, metaKey string, b *Binding) error
	DeleteMeta(licenseID uint, metaKey string) error
}

// ProductCatalog resolves licensed products.
type ProductCatalog interface {
	FindByID(id uint) (*model.Product, error)
	FindBySlug(slug string) (*model.Product, error)
}

// OrderStore resolves originating orders.
type OrderStore interface {
	FindByID(id uint) (*model.Order, error)
}

// UserDirectory resolves license owners.
type UserDirectory interface {
	FindByID(id uint) (*model.User, error)
	FindByEmail(email string) (*model.User, error)
}

// PackageLocator resolves a signed, time-limited download URL for a
// product's package archive.
type PackageLocator interface {
	SignedURL(ctx context.Context, product *model.Product) (string, error)
}

// Options configures request validation behavior and user-facing failure
// messages.
type Options struct {
	Debug             bool
	RestrictAPIAccess bool
	SharedSecret      string

	LicenseNotFound string
	EmailMismatch   string
	OrderMismatch   string
	ProductMismatch string

	// RoutePrefix is the path under which the protocol routes are mounted.
	RoutePrefix string
}

// Manager authorizes license-operation requests, applies activation
// bookkeeping and composes the outbound payload.
type Manager struct {
	opts     Options
	licenses LicenseStore
	products ProductCatalog
	orders   OrderStore
	users    UserDirectory
	packages PackageLocator

	// locks serializes the read-decide-write sequence on one
	// (license, site) binding. Fixed-size stripe table; unrelated pairs
	// hashing to the same stripe contend but stay correct.
	locks [64]sync.Mutex

	now func() time.Time
}

// NewManager wires the Manager with its collaborators. packages may be nil
// when no package storage is configured.
func NewManager(opts Options, licenses LicenseStore, products ProductCatalog, orders OrderStore, users UserDirectory, packages PackageLocator) *Manager {
	if opts.RoutePrefix == "" {
		opts.RoutePrefix = "/api/v1/licenses"
	}
	return &Manager{
		opts:     opts,
		licenses: licenses,
		products: products,
		orders:   orders,
		users:    users,
		packages: packages,
		now:      time.Now,
	}
}

// session carries resolved request state from the authorizer to the
// composer.
type session struct {
	state       State
	passThrough bool
	debug       bool
	license     *model.License
	product     *model.Product
	metaKey     string
	binding     *Binding
	email       string
	siteURL     string
	data        string
	flag        string

	// unlock releases the binding lock taken by the authorizer. The lock
	// is held through composition so the idempotency decision and the
	// binding write form one critical section.
	unlock func()
}

// Process runs one protocol call end to end: authorization, activation
// bookkeeping and response composition.
func (m *Manager) Process(ctx context.Context, req *Request) (*Result, *Error) {
	sess, aerr := m.authorize(req)
	if aerr != nil {
		return nil, aerr
	}
	if sess.unlock != nil {
		defer sess.unlock()
	}

	if sess.passThrough {
		return &Result{PassThrough: true}, nil
	}
	if sess.debug {
		return &Result{State: sess.state, Payload: map[string]any{"success": true, "debug": true}}, nil
	}

	switch sess.state {
	case StateValidate:
		return m.composeValidate(ctx, sess)
	default:
		return m.composeStateChange(ctx, sess)
	}
}

// authorize walks the validation chain described by the protocol: route and
// credential checks, license resolution, binding migration, expiry/renewal
// resync, idempotency guard and parameter validation.
func (m *Manager) authorize(req *Request) (*session, *Error) {
	// Debug mode skips the whole chain so integrators can test wiring.
	if m.opts.Debug {
		state, _, _ := m.parseRoute(req.Route)
		return &session{debug: true, state: state}, nil
	}

	state, key, ok := m.parseRoute(req.Route)
	if !ok {
		// Not a license operation. Block or let it through per policy.
		if m.opts.RestrictAPIAccess {
			return nil, newErrorWithData(
				"Only license activation, deactivation and validation requests are accepted.",
				403,
				map[string]any{"request_route": req.Route},
			)
		}
		return &session{passThrough: true}, nil
	}

	// A state claimed in parameters must match the one in the path. This
	// closes path/parameter smuggling.
	if req.FormState != "" && req.FormState != string(state) {
		return nil, newErrorWithData(
			"The request route did not match for further processing.",
			403,
			map[string]any{
				"request_route": req.Route,
				"remote_route":  m.opts.RoutePrefix + "/" + req.FormState + "/",
			},
		)
	}

	// Activation and deactivation carry the pre-shared secret as a bearer
	// credential. Validation is checked against a site-bound credential
	// after the license is resolved.
	if state != StateValidate {
		decoded, err := base64.StdEncoding.DecodeString(req.AuthValue)
		if req.AuthScheme == "" || err != nil || string(decoded) != m.opts.SharedSecret {
			return nil, newError(fmt.Sprintf("You are not authorized to %s this license.", state), 401)
		}
	}

	if key == "" {
		return nil, newErrorWithData(m.opts.LicenseNotFound, 404, map[string]any{"request_route": req.Route})
	}
	lic, err := m.licenses.FindByKey(key)
	if err != nil {
		return nil, upstreamError(err)
	}
	if lic == nil {
		return nil, newErrorWithData(m.opts.LicenseNotFound, 404, map[string]any{"request_route": req.Route})
	}

	metaKey := MetaKey(req.SiteURL, req.Slug)

	// The binding lock spans every remaining check and the composer's
	// write, so read-decide-write on one (license, site) pair is atomic
	// in-process. Process releases it.
	unlock := m.lockBinding(lic.ID, metaKey)
	sess, aerr := m.authorizeBinding(state, req, lic, metaKey)
	if aerr != nil {
		unlock()
		return nil, aerr
	}
	sess.unlock = unlock
	return sess, nil
}

// authorizeBinding runs the binding-level checks (legacy migration, validate
// credential, expiry resync, idempotency, parameter validation). Caller holds
// the binding lock.
func (m *Manager) authorizeBinding(state State, req *Request, lic *model.License, metaKey string) (*session, *Error) {
	if aerr := m.migrateLegacyBinding(lic.ID, req.SiteURL, metaKey); aerr != nil {
		return nil, aerr
	}

	binding, found, err := m.licenses.GetMeta(lic.ID, metaKey)
	if err != nil {
		return nil, upstreamError(err)
	}
	if !found {
		binding = &Binding{}
	}

	// Validation calls are bound to one license+site pair and its issuance
	// time, so a credential captured for one license cannot be replayed
	// against another.
	if state == StateValidate {
		expected := base64.StdEncoding.EncodeToString(
			[]byte(metaKey + "/" + lic.PurchasedOn() + ":" + m.opts.SharedSecret),
		)
		if req.AuthScheme == "" || req.AuthValue != expected {
			return nil, newErrorWithData(
				"You are not authorized for making license validation.",
				401,
				map[string]any{"request_route": req.Route},
			)
		}
	}

	// Expiry resync. This branch only triggers after a scheduled check has
	// stamped the binding as expired.
	if binding.Expired == "yes" {
		if expErr := ValidateExpiry(lic.ExpiresAt, m.now()); expErr != nil {
			// Still expired. Scheduled rechecks may pass so background
			// pollers are not blocked; everything else must renew first.
			if state == StateValidate && req.Flag == FlagCron {
				return m.newSession(state, req, lic, metaKey, binding), nil
			}
			return nil, newError("Renew your license before attempting to activate again.", 400)
		}

		// The license has been renewed externally.
		if state == StateDeactivate {
			return nil, newError("Please activate your license first after renewal.", 400)
		}

		renewed := &Binding{URL: req.SiteURL, Status: binding.Status, Email: binding.Email, Expired: "no"}
		if req.Email != "" {
			renewed.Email = req.Email
		}
		if binding.Status == BindingActive {
			// The site was active when the license expired. Drop to
			// inactive and give back one activation so the upcoming
			// activation does not double-count.
			renewed.Status = BindingInactive
			if err := m.licenses.Update(lic.ID, map[string]any{"times_activated": lic.TimesActivated - 1}); err != nil {
				return nil, upstreamError(err)
			}
			lic.TimesActivated--
		}
		if err := m.licenses.SetMeta(lic.ID, metaKey, renewed); err != nil {
			return nil, upstreamError(err)
		}
		binding = renewed
	}

	// Idempotency guard: a site cannot re-apply the state it is already in.
	sameSite := binding.URL == req.SiteURL
	conflict := sameSite &&
		((binding.Status == BindingActive && state == StateActivate) ||
			(binding.Status == BindingInactive && state == StateDeactivate))
	if req.Email != "" {
		conflict = conflict && binding.Email == req.Email
	}
	if conflict {
		return nil, newError(fmt.Sprintf("The license for this site has already been %sd.", state), 400)
	}

	product, aerr := m.validateParameters(req, lic)
	if aerr != nil {
		return nil, aerr
	}

	sess := m.newSession(state, req, lic, metaKey, binding)
	sess.product = product
	return sess, nil
}

// validateParameters checks slug (mandatory), order id and email (optional)
// against the license, using the configured failure messages.
func (m *Manager) validateParameters(req *Request, lic *model.License) (*model.Product, *Error) {
	product, err := m.products.FindByID(lic.ProductID)
	if err != nil {
		return nil, upstreamError(err)
	}
	if product == nil || req.Slug == "" || req.Slug != product.Slug {
		return nil, newError(m.opts.ProductMismatch, 404)
	}

	if req.OrderID != "" {
		order, err := m.orders.FindByID(lic.OrderID)
		if err != nil {
			return nil, upstreamError(err)
		}
		requested, convErr := strconv.ParseUint(req.OrderID, 10, 64)
		if order == nil || convErr != nil || uint(requested) != order.ID {
			return nil, newError(m.opts.OrderMismatch, 404)
		}
	}

	if req.Email != "" {
		user, err := m.users.FindByID(lic.UserID)
		if err != nil {
			return nil, upstreamError(err)
		}
		if user == nil || req.Email != user.Email {
			return nil, newError(m.opts.EmailMismatch, 404)
		}
	}

	return product, nil
}

// composeStateChange finishes an authorized activate/deactivate: license
// bookkeeping, binding persistence, product metadata and, for activations,
// the signed package URL.
func (m *Manager) composeStateChange(ctx context.Context, sess *session) (*Result, *Error) {
	lic := sess.license
	statusText := BindingActive
	if sess.state == StateDeactivate {
		statusText = BindingInactive
	}

	fields := map[string]any{}
	if sess.state == StateActivate {
		if lic.TimesActivatedMax > 0 && lic.TimesActivated >= lic.TimesActivatedMax {
			return nil, newError("The license has reached its activation limit.", 400)
		}
		lic.TimesActivated++
		lic.Status = model.StatusActive
		fields["times_activated"] = lic.TimesActivated
		fields["status"] = lic.Status
	} else {
		if lic.TimesActivated > 0 {
			lic.TimesActivated--
		}
		if lic.TimesActivated == 0 {
			lic.Status = model.StatusInactive
		}
		fields["times_activated"] = lic.TimesActivated
		fields["status"] = lic.Status
	}
	if err := m.licenses.Update(lic.ID, fields); err != nil {
		return nil, upstreamError(err)
	}

	binding := &Binding{
		Status:  statusText,
		URL:     sess.siteURL,
		Email:   sess.email,
		Expired: sess.binding.Expired,
		Data:    sess.data,
	}
	if err := m.licenses.SetMeta(lic.ID, sess.metaKey, binding); err != nil {
		return nil, upstreamError(err)
	}

	payload, aerr := m.sendResponse(sess, binding, statusText)
	if aerr != nil {
		return nil, aerr
	}
	if statusText == BindingActive {
		if aerr := m.attachPackage(ctx, sess.product, payload); aerr != nil {
			return nil, aerr
		}
	}

	return &Result{State: sess.state, Payload: payload, License: lic, Product: sess.product}, nil
}

// composeValidate finishes an authorized validate call. Behavior branches on
// the flag parameter: cron health checks report state with no side effects
// beyond the expiry stamp, update checks additionally require an active,
// non-expired license and attach the package URL, and a bare validation
// returns state only.
func (m *Manager) composeValidate(ctx context.Context, sess *session) (*Result, *Error) {
	lic := sess.license

	binding, found, err := m.licenses.GetMeta(lic.ID, sess.metaKey)
	if err != nil {
		return nil, upstreamError(err)
	}
	if !found || binding.Status == "" {
		return nil, newError("License status can not be verified.", 401)
	}

	state := binding.Status
	var expiredOn string
	if expErr := ValidateExpiry(lic.ExpiresAt, m.now()); expErr != nil {
		state = BindingExpired
		expiredOn = lic.ExpiresAt

		// Stamp the binding so the next activate/deactivate goes through
		// the renewal resync.
		if binding.Expired != "yes" {
			binding.Expired = "yes"
			if err := m.licenses.SetMeta(lic.ID, sess.metaKey, binding); err != nil {
				return nil, upstreamError(err)
			}
		}
	}

	payload, aerr := m.sendResponse(sess, binding, state)
	if aerr != nil {
		return nil, aerr
	}
	if expiredOn != "" {
		payload["expired_on"] = expiredOn
	}

	switch sess.flag {
	case FlagUpdateThemes, FlagUpdatePlugins:
		// Update tooling only gets a package for active, current licenses.
		if binding.Status != BindingActive {
			return nil, newError("License is not active.", 402)
		}
		if state == BindingExpired {
			return nil, newErrorWithData(
				fmt.Sprintf("The license key expired on %s (UTC).", expiredOn), 403, expiredOn,
			)
		}
		if aerr := m.attachPackage(ctx, sess.product, payload); aerr != nil {
			return nil, aerr
		}
	case FlagCron:
		// Background health check: report state as is.
	default:
		// Bare validation never hands out a download.
	}

	return &Result{State: StateValidate, Payload: payload, License: lic, Product: sess.product}, nil
}

// sendResponse builds the success payload common to every route.
func (m *Manager) sendResponse(sess *session, binding *Binding, state string) (map[string]any, *Error) {
	decrypted, err := m.licenses.DecryptedKey(sess.license)
	if err != nil {
		return nil, upstreamError(err)
	}

	var productMeta map[string]any
	if sess.product != nil {
		productMeta = sess.product.Meta()
	}

	payload := map[string]any{
		"key":          sess.metaKey,
		"status":       state,
		"state":        state,
		"order_id":     sess.license.OrderID,
		"expires_at":   sess.license.ExpiresAt,
		"product_id":   sess.license.ProductID,
		"active_count": sess.license.TimesActivated,
		"total_count":  sess.license.TimesActivatedMax,
		"license_key":  decrypted,
		"purchased_on": sess.license.PurchasedOn(),
		"product_meta": productMeta,
	}
	if binding.Email != "" {
		payload["email"] = binding.Email
	}
	return payload, nil
}

// attachPackage resolves the signed download URL. Locator failures are
// surfaced verbatim, never swallowed into a success response with the
// package missing.
func (m *Manager) attachPackage(ctx context.Context, product *model.Product, payload map[string]any) *Error {
	if m.packages == nil || product == nil {
		return nil
	}
	url, err := m.packages.SignedURL(ctx, product)
	if err != nil {
		return upstreamError(err)
	}
	payload["package"] = url
	return nil
}

// migrateLegacyBinding moves a binding stored under the retired key format
// to the current one. Runs at most once per (license, site) pair.
func (m *Manager) migrateLegacyBinding(licenseID uint, siteURL, metaKey string) *Error {
	legacyKey := LegacyMetaKey(siteURL)
	legacy, found, err := m.licenses.GetMeta(licenseID, legacyKey)
	if err != nil {
		return upstreamError(err)
	}
	if !found {
		return nil
	}
	if err := m.licenses.SetMeta(licenseID, metaKey, legacy); err != nil {
		return upstreamError(err)
	}
	if err := m.licenses.DeleteMeta(licenseID, legacyKey); err != nil {
		return upstreamError(err)
	}
	return nil
}

// parseRoute extracts the state token and license key from the request
// path. ok is false when the route carries no license-operation state.
func (m *Manager) parseRoute(route string) (State, string, bool) {
	rest, found := strings.CutPrefix(route, m.opts.RoutePrefix+"/")
	if !found {
		return "", "", false
	}

	parts := strings.SplitN(rest, "/", 2)
	state := State(parts[0])
	switch state {
	case StateActivate, StateDeactivate, StateValidate:
	default:
		return "", "", false
	}

	key := ""
	if len(parts) == 2 {
		key = strings.Trim(parts[1], "/")
	}
	return state, key, true
}

func (m *Manager) newSession(state State, req *Request, lic *model.License, metaKey string, binding *Binding) *session {
	return &session{
		state:   state,
		license: lic,
		metaKey: metaKey,
		binding: binding,
		email:   req.Email,
		siteURL: req.SiteURL,
		data:    req.Data,
		flag:    req.Flag,
	}
}

func (m *Manager) lockBinding(licenseID uint, metaKey string) func() {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d:%s", licenseID, metaKey)
	mu := &m.locks[h.Sum32()%uint32(len(m.locks))]
	mu.Lock()
	return mu.Unlock
}
