// Package s3 stores job artifacts in AWS S3 or an S3-compatible object store.
package s3

import "strings"

// Config configures an S3 artifact store.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// AccessKeyID/SecretAccessKey are set. For S3-compatible stores (MinIO,
// Wasabi) set Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to every artifact key, e.g. "jobkernel/jobs".
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when
	// neither config nor environment provides one.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile name.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host.
	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 artifacts config: " + e.Field + ": " + e.Message
}

// resolveRegion applies the us-east-1 fallback for AWS S3 only; S3-compatible
// endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
