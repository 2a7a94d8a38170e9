package license

import (
	"fmt"
	"time"

	"license-server/internal/model"
)

// ValidateExpiry reports whether a license is still within its entitlement.
// An empty expiry means perpetual and is always valid. The stored expiry is
// parsed as UTC in the fixed "2006-01-02 15:04:05" layout. Returns nil when
// valid, an expired error carrying the original expiry value otherwise.
func ValidateExpiry(expiresAt string, now time.Time) *Error {
	if expiresAt == "" {
		return nil
	}

	expiry, err := time.ParseInLocation(model.ExpiryFormat, expiresAt, time.UTC)
	if err != nil {
		return newError(err.Error(), 405)
	}

	if now.UTC().After(expiry) {
		return newErrorWithData(
			fmt.Sprintf("The license key expired on %s (UTC).", expiresAt),
			405,
			expiresAt,
		)
	}

	return nil
}

// NextExpiry computes the renewed expiry timestamp. Renewing an already
// expired license starts the extension from now; renewing early extends the
// previous expiry so remaining entitlement is never discarded.
func NextExpiry(previous string, extensionDays int, now time.Time) (string, error) {
	prev, err := time.ParseInLocation(model.ExpiryFormat, previous, time.UTC)
	if err != nil {
		return "", err
	}

	base := prev
	if prev.Before(now.UTC()) {
		base = now.UTC()
	}

	return base.AddDate(0, 0, extensionDays).Format(model.ExpiryFormat), nil
}
