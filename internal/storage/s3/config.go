package s3

import (
	"time"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/flashxio/safs/pkg/errors"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket string `yaml:"bucket"`
	// Prefix is prepended to every block key.
	Prefix string `yaml:"prefix"`

	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Concurrency    int           `yaml:"concurrency"`

	// StorageClass is applied to every block written, e.g. "STANDARD".
	StorageClass string `yaml:"storage_class"`
}

// NewDefaultConfig returns the default S3 backend configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		Concurrency:    16,
		StorageClass:   string(s3types.StorageClassStandard),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3-backend")
	}
	if c.Concurrency <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "concurrency must be positive, got %d", c.Concurrency).
			WithComponent("s3-backend")
	}
	if c.StorageClass != "" {
		for _, sc := range s3types.StorageClass("").Values() {
			if string(sc) == c.StorageClass {
				return nil
			}
		}
		return errors.Newf(errors.ErrCodeInvalidConfig, "unknown storage class %q", c.StorageClass).
			WithComponent("s3-backend")
	}
	return nil
}
