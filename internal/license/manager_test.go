package license

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"license-server/internal/model"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

const (
	testKey    = "5f0c1b2a-7d3e-4e9f-8a6b-0c1d2e3f4a5b"
	testSecret = "validate_license"
	testSite   = "https://buyer.example"
	testSlug   = "pro-plugin"
)

type fakeLicenses struct {
	byID  map[uint]*model.License
	keys  map[uint]string
	metas map[string]*Binding
}

func metaID(licenseID uint, metaKey string) string {
	return fmt.Sprintf("%d:%s", licenseID, metaKey)
}

func (f *fakeLicenses) FindByKey(key string) (*model.License, error) {
	for id, k := range f.keys {
		if k == key {
			return f.byID[id], nil
		}
	}
	return nil, nil
}

func (f *fakeLicenses) Update(id uint, fields map[string]any) error {
	lic, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("license %d not found", id)
	}
	for k, v := range fields {
		switch k {
		case "times_activated":
			lic.TimesActivated = v.(int)
		case "status":
			lic.Status = v.(int)
		case "expires_at":
			lic.ExpiresAt = v.(string)
		}
	}
	return nil
}

func (f *fakeLicenses) DecryptedKey(l *model.License) (string, error) {
	return f.keys[l.ID], nil
}

func (f *fakeLicenses) GetMeta(licenseID uint, metaKey string) (*Binding, bool, error) {
	b, ok := f.metas[metaID(licenseID, metaKey)]
	if !ok {
		return nil, false, nil
	}
	clone := *b
	return &clone, true, nil
}

func (f *fakeLicenses) SetMeta(licenseID uint, metaKey string, b *Binding) error {
	clone := *b
	f.metas[metaID(licenseID, metaKey)] = &clone
	return nil
}

func (f *fakeLicenses) DeleteMeta(licenseID uint, metaKey string) error {
	delete(f.metas, metaID(licenseID, metaKey))
	return nil
}

type fakeProducts struct{ byID map[uint]*model.Product }

func (f *fakeProducts) FindByID(id uint) (*model.Product, error) { return f.byID[id], nil }

func (f *fakeProducts) FindBySlug(slug string) (*model.Product, error) {
	for _, p := range f.byID {
		if p.Slug == slug {
			return p, nil
		}
	}
	return nil, nil
}

type fakeOrders struct{ byID map[uint]*model.Order }

func (f *fakeOrders) FindByID(id uint) (*model.Order, error) { return f.byID[id], nil }

type fakeUsers struct{ byID map[uint]*model.User }

func (f *fakeUsers) FindByID(id uint) (*model.User, error) { return f.byID[id], nil }

func (f *fakeUsers) FindByEmail(email string) (*model.User, error) {
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

type fakeLocator struct {
	url string
	err error
}

func (f *fakeLocator) SignedURL(_ context.Context, _ *model.Product) (string, error) {
	return f.url, f.err
}

type fixture struct {
	m        *Manager
	licenses *fakeLicenses
	products *fakeProducts
	orders   *fakeOrders
	users    *fakeUsers
	locator  *fakeLocator
	lic      *model.License
}

func newFixture() *fixture {
	lic := &model.License{
		ID:                10,
		UserID:            5,
		ProductID:         1,
		OrderID:           77,
		Status:            model.StatusDelivered,
		TimesActivatedMax: 3,
		CreatedAt:         time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC),
	}
	licenses := &fakeLicenses{
		byID:  map[uint]*model.License{lic.ID: lic},
		keys:  map[uint]string{lic.ID: testKey},
		metas: map[string]*Binding{},
	}
	products := &fakeProducts{byID: map[uint]*model.Product{
		1: {ID: 1, Slug: testSlug, Version: "2.1.0", WPTested: "6.5", Bucket: "packages", Filename: "pro-plugin.zip"},
	}}
	orders := &fakeOrders{byID: map[uint]*model.Order{77: {ID: 77}}}
	users := &fakeUsers{byID: map[uint]*model.User{5: {ID: 5, Email: "buyer@example.com"}}}
	locator := &fakeLocator{url: "https://packages.s3.example/pro-plugin.zip?signed"}

	m := NewManager(Options{
		RestrictAPIAccess: true,
		SharedSecret:      testSecret,
		LicenseNotFound:   "The provided license key is not registered.",
		EmailMismatch:     "The provided email does not match the license owner.",
		OrderMismatch:     "The provided order does not match the license.",
		ProductMismatch:   "The license does not belong to this product.",
	}, licenses, products, orders, users, locator)
	m.now = func() time.Time { return testNow }

	return &fixture{
		m:        m,
		licenses: licenses,
		products: products,
		orders:   orders,
		users:    users,
		locator:  locator,
		lic:      lic,
	}
}

func stateCredential(secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(secret))
}

func validateCredential(metaKey string, lic *model.License, secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(metaKey + "/" + lic.PurchasedOn() + ":" + secret))
}

func stateRequest(state, key string) *Request {
	return &Request{
		Route:      "/api/v1/licenses/" + state + "/" + key,
		Slug:       testSlug,
		SiteURL:    testSite,
		AuthScheme: "Bearer",
		AuthValue:  stateCredential(testSecret),
	}
}

func validateRequest(key string, lic *model.License) *Request {
	return &Request{
		Route:      "/api/v1/licenses/validate/" + key,
		Slug:       testSlug,
		SiteURL:    testSite,
		AuthScheme: "Bearer",
		AuthValue:  validateCredential(MetaKey(testSite, testSlug), lic, testSecret),
	}
}

func TestManagerActivateLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	result, aerr := f.m.Process(ctx, stateRequest("activate", testKey))
	require.Nil(t, aerr)
	require.NotNil(t, result)

	assert.Equal(t, StateActivate, result.State)
	assert.Equal(t, "buyerexample-pro-plugin", result.Payload["key"])
	assert.Equal(t, "active", result.Payload["state"])
	assert.Equal(t, 1, result.Payload["active_count"])
	assert.Equal(t, 3, result.Payload["total_count"])
	assert.Equal(t, testKey, result.Payload["license_key"])
	assert.Equal(t, f.locator.url, result.Payload["package"])

	meta, ok := result.Payload["product_meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2.1.0", meta["version"])
	assert.NotContains(t, meta, "bucket")
	assert.NotContains(t, meta, "filename")

	// Re-applying the same state from the same site is a conflict.
	_, aerr = f.m.Process(ctx, stateRequest("activate", testKey))
	require.NotNil(t, aerr)
	assert.Equal(t, 400, aerr.Code)
	assert.Equal(t, "The license for this site has already been activated.", aerr.Message)

	result, aerr = f.m.Process(ctx, stateRequest("deactivate", testKey))
	require.Nil(t, aerr)
	assert.Equal(t, "inactive", result.Payload["state"])
	assert.Equal(t, 0, result.Payload["active_count"])
	assert.NotContains(t, result.Payload, "package")
	assert.Equal(t, model.StatusInactive, f.lic.Status)

	_, aerr = f.m.Process(ctx, stateRequest("deactivate", testKey))
	require.NotNil(t, aerr)
	assert.Equal(t, 400, aerr.Code)
	assert.Equal(t, "The license for this site has already been deactivated.", aerr.Message)
}

func TestManagerRouteGate(t *testing.T) {
	f := newFixture()
	req := &Request{Route: "/api/v1/orders/42"}

	_, aerr := f.m.Process(context.Background(), req)
	require.NotNil(t, aerr)
	assert.Equal(t, 403, aerr.Code)

	f.m.opts.RestrictAPIAccess = false
	result, aerr := f.m.Process(context.Background(), req)
	require.Nil(t, aerr)
	assert.True(t, result.PassThrough)
}

func TestManagerStateSmuggling(t *testing.T) {
	f := newFixture()
	req := stateRequest("activate", testKey)
	req.FormState = "deactivate"

	_, aerr := f.m.Process(context.Background(), req)
	require.NotNil(t, aerr)
	assert.Equal(t, 403, aerr.Code)
	assert.Equal(t, "The request route did not match for further processing.", aerr.Message)
}

func TestManagerSharedSecret(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name   string
		scheme string
		value  string
	}{
		{name: "wrong_secret", scheme: "Bearer", value: stateCredential("guessed")},
		{name: "not_base64", scheme: "Bearer", value: "%%%"},
		{name: "missing_header", scheme: "", value: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := stateRequest("activate", testKey)
			req.AuthScheme = tt.scheme
			req.AuthValue = tt.value

			_, aerr := f.m.Process(context.Background(), req)
			require.NotNil(t, aerr)
			assert.Equal(t, 401, aerr.Code)
			assert.Equal(t, "You are not authorized to activate this license.", aerr.Message)
		})
	}
}

func TestManagerLicenseNotFound(t *testing.T) {
	f := newFixture()

	_, aerr := f.m.Process(context.Background(), stateRequest("activate", "no-such-key"))
	require.NotNil(t, aerr)
	assert.Equal(t, 404, aerr.Code)
	assert.Equal(t, "The provided license key is not registered.", aerr.Message)
}

func TestManagerValidateCredential(t *testing.T) {
	f := newFixture()

	// The shared secret alone is not enough for validation.
	req := validateRequest(testKey, f.lic)
	req.AuthValue = stateCredential(testSecret)

	_, aerr := f.m.Process(context.Background(), req)
	require.NotNil(t, aerr)
	assert.Equal(t, 401, aerr.Code)
	assert.Equal(t, "You are not authorized for making license validation.", aerr.Message)

	// A credential minted for another site fails too.
	req = validateRequest(testKey, f.lic)
	req.AuthValue = validateCredential(MetaKey("https://other.example", testSlug), f.lic, testSecret)
	_, aerr = f.m.Process(context.Background(), req)
	require.NotNil(t, aerr)
	assert.Equal(t, 401, aerr.Code)
}

func TestManagerValidateWithoutBinding(t *testing.T) {
	f := newFixture()

	_, aerr := f.m.Process(context.Background(), validateRequest(testKey, f.lic))
	require.NotNil(t, aerr)
	assert.Equal(t, 401, aerr.Code)
	assert.Equal(t, "License status can not be verified.", aerr.Message)
}

func TestManagerValidateStampsExpiredBinding(t *testing.T) {
	f := newFixture()
	metaKey := MetaKey(testSite, testSlug)
	f.licenses.metas[metaID(f.lic.ID, metaKey)] = &Binding{Status: BindingActive, URL: testSite, Expired: "no"}
	f.lic.ExpiresAt = "2024-06-01 00:00:00"

	result, aerr := f.m.Process(context.Background(), validateRequest(testKey, f.lic))
	require.Nil(t, aerr)
	assert.Equal(t, "expired", result.Payload["state"])
	assert.Equal(t, "2024-06-01 00:00:00", result.Payload["expired_on"])
	assert.NotContains(t, result.Payload, "package")

	stored := f.licenses.metas[metaID(f.lic.ID, metaKey)]
	assert.Equal(t, "yes", stored.Expired)
}

func TestManagerCronBypassWhenExpired(t *testing.T) {
	f := newFixture()
	metaKey := MetaKey(testSite, testSlug)
	f.licenses.metas[metaID(f.lic.ID, metaKey)] = &Binding{Status: BindingActive, URL: testSite, Expired: "yes"}
	f.lic.ExpiresAt = "2024-06-01 00:00:00"

	req := validateRequest(testKey, f.lic)
	req.Flag = FlagCron

	result, aerr := f.m.Process(context.Background(), req)
	require.Nil(t, aerr)
	assert.Equal(t, "expired", result.Payload["state"])
	assert.NotContains(t, result.Payload, "package")
}

func TestManagerRenewalResync(t *testing.T) {
	f := newFixture()
	metaKey := MetaKey(testSite, testSlug)
	f.licenses.metas[metaID(f.lic.ID, metaKey)] = &Binding{Status: BindingActive, URL: testSite, Expired: "yes"}
	f.lic.ExpiresAt = "2025-06-01 00:00:00" // renewed externally
	f.lic.TimesActivated = 1

	result, aerr := f.m.Process(context.Background(), stateRequest("activate", testKey))
	require.Nil(t, aerr)
	assert.Equal(t, "active", result.Payload["state"])

	// One activation was handed back before the re-activation consumed it.
	assert.Equal(t, 1, f.lic.TimesActivated)

	stored := f.licenses.metas[metaID(f.lic.ID, metaKey)]
	assert.Equal(t, BindingActive, stored.Status)
	assert.Equal(t, "no", stored.Expired)
}

func TestManagerDeactivateAfterRenewal(t *testing.T) {
	f := newFixture()
	metaKey := MetaKey(testSite, testSlug)
	f.licenses.metas[metaID(f.lic.ID, metaKey)] = &Binding{Status: BindingActive, URL: testSite, Expired: "yes"}
	f.lic.ExpiresAt = "2025-06-01 00:00:00"
	f.lic.TimesActivated = 1

	_, aerr := f.m.Process(context.Background(), stateRequest("deactivate", testKey))
	require.NotNil(t, aerr)
	assert.Equal(t, 400, aerr.Code)
	assert.Equal(t, "Please activate your license first after renewal.", aerr.Message)
}

func TestManagerExpiredBlocksStateChange(t *testing.T) {
	f := newFixture()
	metaKey := MetaKey(testSite, testSlug)
	f.licenses.metas[metaID(f.lic.ID, metaKey)] = &Binding{Status: BindingActive, URL: testSite, Expired: "yes"}
	f.lic.ExpiresAt = "2024-06-01 00:00:00"

	_, aerr := f.m.Process(context.Background(), stateRequest("activate", testKey))
	require.NotNil(t, aerr)
	assert.Equal(t, 400, aerr.Code)
	assert.Equal(t, "Renew your license before attempting to activate again.", aerr.Message)
}

func TestManagerActivationLimit(t *testing.T) {
	f := newFixture()
	f.lic.TimesActivatedMax = 1
	f.lic.TimesActivated = 1 // consumed by some other site

	_, aerr := f.m.Process(context.Background(), stateRequest("activate", testKey))
	require.NotNil(t, aerr)
	assert.Equal(t, 400, aerr.Code)
	assert.Equal(t, "The license has reached its activation limit.", aerr.Message)
}

func TestManagerParameterChecks(t *testing.T) {
	t.Run("slug_missing", func(t *testing.T) {
		f := newFixture()
		req := stateRequest("activate", testKey)
		req.Slug = ""
		_, aerr := f.m.Process(context.Background(), req)
		require.NotNil(t, aerr)
		assert.Equal(t, 404, aerr.Code)
		assert.Equal(t, "The license does not belong to this product.", aerr.Message)
	})

	t.Run("slug_mismatch", func(t *testing.T) {
		f := newFixture()
		req := stateRequest("activate", testKey)
		req.Slug = "other-plugin"
		// The meta key follows the requested slug, so the binding lock and
		// lookup never collide with the real product's binding.
		_, aerr := f.m.Process(context.Background(), req)
		require.NotNil(t, aerr)
		assert.Equal(t, 404, aerr.Code)
		assert.Equal(t, "The license does not belong to this product.", aerr.Message)
	})

	t.Run("order_mismatch", func(t *testing.T) {
		f := newFixture()
		req := stateRequest("activate", testKey)
		req.OrderID = "78"
		_, aerr := f.m.Process(context.Background(), req)
		require.NotNil(t, aerr)
		assert.Equal(t, 404, aerr.Code)
		assert.Equal(t, "The provided order does not match the license.", aerr.Message)
	})

	t.Run("order_match", func(t *testing.T) {
		f := newFixture()
		req := stateRequest("activate", testKey)
		req.OrderID = "77"
		_, aerr := f.m.Process(context.Background(), req)
		assert.Nil(t, aerr)
	})

	t.Run("email_mismatch", func(t *testing.T) {
		f := newFixture()
		req := stateRequest("activate", testKey)
		req.Email = "stranger@example.com"
		_, aerr := f.m.Process(context.Background(), req)
		require.NotNil(t, aerr)
		assert.Equal(t, 404, aerr.Code)
		assert.Equal(t, "The provided email does not match the license owner.", aerr.Message)
	})

	t.Run("email_match", func(t *testing.T) {
		f := newFixture()
		req := stateRequest("activate", testKey)
		req.Email = "buyer@example.com"
		result, aerr := f.m.Process(context.Background(), req)
		require.Nil(t, aerr)
		assert.Equal(t, "buyer@example.com", result.Payload["email"])
	})
}

func TestManagerLegacyBindingMigration(t *testing.T) {
	f := newFixture()
	legacyKey := LegacyMetaKey(testSite)
	currentKey := MetaKey(testSite, testSlug)
	f.licenses.metas[metaID(f.lic.ID, legacyKey)] = &Binding{Status: BindingActive, URL: testSite}
	f.lic.TimesActivated = 1

	// The migrated binding is already active, so a fresh activation from the
	// same site must hit the idempotency guard.
	_, aerr := f.m.Process(context.Background(), stateRequest("activate", testKey))
	require.NotNil(t, aerr)
	assert.Equal(t, 400, aerr.Code)
	assert.Equal(t, "The license for this site has already been activated.", aerr.Message)

	_, legacyLeft := f.licenses.metas[metaID(f.lic.ID, legacyKey)]
	assert.False(t, legacyLeft)
	migrated, ok := f.licenses.metas[metaID(f.lic.ID, currentKey)]
	require.True(t, ok)
	assert.Equal(t, BindingActive, migrated.Status)

	// Running again is a no-op on the metadata layout.
	_, aerr = f.m.Process(context.Background(), stateRequest("activate", testKey))
	require.NotNil(t, aerr)
	assert.Equal(t, 400, aerr.Code)
}

func TestManagerUpdateFlag(t *testing.T) {
	t.Run("inactive_binding", func(t *testing.T) {
		f := newFixture()
		metaKey := MetaKey(testSite, testSlug)
		f.licenses.metas[metaID(f.lic.ID, metaKey)] = &Binding{Status: BindingInactive, URL: testSite}

		req := validateRequest(testKey, f.lic)
		req.Flag = FlagUpdatePlugins
		_, aerr := f.m.Process(context.Background(), req)
		require.NotNil(t, aerr)
		assert.Equal(t, 402, aerr.Code)
		assert.Equal(t, "License is not active.", aerr.Message)
	})

	t.Run("expired_license", func(t *testing.T) {
		f := newFixture()
		metaKey := MetaKey(testSite, testSlug)
		f.licenses.metas[metaID(f.lic.ID, metaKey)] = &Binding{Status: BindingActive, URL: testSite}
		f.lic.ExpiresAt = "2024-06-01 00:00:00"

		req := validateRequest(testKey, f.lic)
		req.Flag = FlagUpdateThemes
		_, aerr := f.m.Process(context.Background(), req)
		require.NotNil(t, aerr)
		assert.Equal(t, 403, aerr.Code)
		assert.Equal(t, "2024-06-01 00:00:00", aerr.Data)
	})

	t.Run("active_current", func(t *testing.T) {
		f := newFixture()
		metaKey := MetaKey(testSite, testSlug)
		f.licenses.metas[metaID(f.lic.ID, metaKey)] = &Binding{Status: BindingActive, URL: testSite}

		req := validateRequest(testKey, f.lic)
		req.Flag = FlagUpdatePlugins
		result, aerr := f.m.Process(context.Background(), req)
		require.Nil(t, aerr)
		assert.Equal(t, f.locator.url, result.Payload["package"])
	})

	t.Run("bare_validation_no_package", func(t *testing.T) {
		f := newFixture()
		metaKey := MetaKey(testSite, testSlug)
		f.licenses.metas[metaID(f.lic.ID, metaKey)] = &Binding{Status: BindingActive, URL: testSite}

		result, aerr := f.m.Process(context.Background(), validateRequest(testKey, f.lic))
		require.Nil(t, aerr)
		assert.Equal(t, "active", result.Payload["state"])
		assert.NotContains(t, result.Payload, "package")
	})
}

func TestManagerPackageFailureSurfaces(t *testing.T) {
	f := newFixture()
	f.locator.err = fmt.Errorf("presign: no such bucket")

	_, aerr := f.m.Process(context.Background(), stateRequest("activate", testKey))
	require.NotNil(t, aerr)
	assert.Equal(t, 502, aerr.Code)
	assert.Equal(t, "presign: no such bucket", aerr.Message)
}

// stallingLicenses blocks the first Update call until released, holding its
// caller inside the binding critical section.
type stallingLicenses struct {
	*fakeLicenses
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingLicenses) Update(id uint, fields map[string]any) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.fakeLicenses.Update(id, fields)
}

// Two overlapping activations from the same site must resolve to exactly one
// success and one conflict: the binding lock spans the idempotency decision
// and the binding write.
func TestManagerConcurrentActivateConflict(t *testing.T) {
	f := newFixture()
	stall := &stallingLicenses{
		fakeLicenses: f.licenses,
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	m := NewManager(f.m.opts, stall, f.products, f.orders, f.users, f.locator)
	m.now = func() time.Time { return testNow }

	ctx := context.Background()
	var errA, errB *Error
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	go func() {
		defer close(doneA)
		_, errA = m.Process(ctx, stateRequest("activate", testKey))
	}()
	<-stall.entered // first activation authorized, mid-write, lock held

	go func() {
		defer close(doneB)
		_, errB = m.Process(ctx, stateRequest("activate", testKey))
	}()

	select {
	case <-doneB:
		t.Fatal("second activation completed while the first held the binding lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(stall.release)
	<-doneA
	<-doneB

	require.Nil(t, errA)
	require.NotNil(t, errB)
	assert.Equal(t, 400, errB.Code)
	assert.Equal(t, "The license for this site has already been activated.", errB.Message)
	assert.Equal(t, 1, f.lic.TimesActivated)
}

func TestLockBindingSerializesSameKey(t *testing.T) {
	f := newFixture()

	unlock := f.m.lockBinding(10, "buyerexample-pro-plugin")
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		u := f.m.lockBinding(10, "buyerexample-pro-plugin")
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("binding lock acquired twice for the same pair")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("binding lock never released")
	}
}

func TestManagerDebugBypass(t *testing.T) {
	f := newFixture()
	f.m.opts.Debug = true

	req := stateRequest("activate", testKey)
	req.AuthValue = "" // no credential needed in debug mode

	result, aerr := f.m.Process(context.Background(), req)
	require.Nil(t, aerr)
	assert.Equal(t, StateActivate, result.State)
	assert.Equal(t, true, result.Payload["debug"])
}

func TestManagerParseRoute(t *testing.T) {
	f := newFixture()

	tests := []struct {
		route    string
		state    State
		key      string
		hasState bool
	}{
		{route: "/api/v1/licenses/activate/abc", state: StateActivate, key: "abc", hasState: true},
		{route: "/api/v1/licenses/validate/abc/", state: StateValidate, key: "abc", hasState: true},
		{route: "/api/v1/licenses/deactivate", state: StateDeactivate, key: "", hasState: true},
		{route: "/api/v1/licenses/renew/abc", hasState: false},
		{route: "/api/v1/orders", hasState: false},
	}

	for _, tt := range tests {
		state, key, ok := f.m.parseRoute(tt.route)
		assert.Equal(t, tt.hasState, ok, tt.route)
		if tt.hasState {
			assert.Equal(t, tt.state, state, tt.route)
			assert.Equal(t, tt.key, key, tt.route)
		}
	}
}
