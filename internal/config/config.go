package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every recognized server option with its default. Values are
// loaded from the environment under the LICENSE_SERVER prefix.
type Config struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"data/license.db"`

	// DebugMode short-circuits the whole authorization chain so an
	// integrator can test without production credentials. Never enable in
	// production.
	DebugMode bool `envconfig:"DEBUG_MODE" default:"false"`

	// RestrictAPIAccess rejects requests that carry no
	// activate/deactivate/validate state instead of passing them through.
	RestrictAPIAccess bool `envconfig:"RESTRICT_API_ACCESS" default:"true"`

	// SharedSecret is the pre-shared credential clients send (base64
	// encoded) with activate/deactivate requests.
	SharedSecret string `envconfig:"SHARED_SECRET" default:"validate_license"`

	// Configurable failure messages, one per validation category.
	LicenseValidateResponse string `envconfig:"LICENSE_VALIDATE_RESPONSE" default:"License not found."`
	EmailValidateResponse   string `envconfig:"EMAIL_VALIDATE_RESPONSE" default:"Email address not found."`
	OrderValidateResponse   string `envconfig:"ORDER_VALIDATE_RESPONSE" default:"Order not found."`
	NameValidateResponse    string `envconfig:"NAME_VALIDATE_RESPONSE" default:"Product not found."`

	// Amazon S3 package storage.
	UseAmazonS3     bool   `envconfig:"USE_AMAZON_S3" default:"false"`
	S3Region        string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Key           string `envconfig:"S3_KEY"`
	S3Secret        string `envconfig:"S3_SECRET"`
	S3Bucket        string `envconfig:"S3_BUCKET"`
	S3URLExpiration int    `envconfig:"S3_URL_EXPIRATION" default:"15"` // minutes

	// Admin surface.
	JWTSecret     string `envconfig:"JWT_SECRET" default:"change-me"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD" default:"admin"`

	// LicenseCipherKey is the hex-encoded 32-byte key encrypting license
	// keys at rest.
	LicenseCipherKey string `envconfig:"LICENSE_CIPHER_KEY" default:"0000000000000000000000000000000000000000000000000000000000000000"`

	// Optional Google Sheets export of license state changes.
	SheetSyncEnabled bool   `envconfig:"SHEET_SYNC_ENABLED" default:"false"`
	SheetCredentials string `envconfig:"SHEET_CREDENTIALS"`
	SheetID          string `envconfig:"SHEET_ID"`
	SheetName        string `envconfig:"SHEET_NAME" default:"Licenses"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("LICENSE_SERVER", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}
