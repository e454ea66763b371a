package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/flashxio/safs/internal/buffer"
	"github.com/flashxio/safs/internal/cache"
	"github.com/flashxio/safs/internal/circuit"
	"github.com/flashxio/safs/internal/mapper"
	"github.com/flashxio/safs/internal/metrics"
	"github.com/flashxio/safs/internal/raid"
	"github.com/flashxio/safs/internal/storage/local"
	"github.com/flashxio/safs/internal/storage/s3"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/health"
	"github.com/flashxio/safs/pkg/memmon"
	"github.com/flashxio/safs/pkg/retry"
	"github.com/flashxio/safs/pkg/utils"
)

// Storage backend names.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Cache   CacheConfig   `yaml:"cache"`
	RAID    RAIDConfig    `yaml:"raid"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Retry   RetryConfig   `yaml:"retry"`
	Memory  MemoryConfig  `yaml:"memory"`
	Health  HealthConfig  `yaml:"health"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// CacheConfig represents page cache settings. Sizes are human readable
// byte strings.
type CacheConfig struct {
	Size            string        `yaml:"size"`
	MaxSize         string        `yaml:"max_size"`
	Expandable      bool          `yaml:"expandable"`
	Policy          string        `yaml:"policy"`
	NodeID          int           `yaml:"node_id"`
	OffsetFactor    int           `yaml:"offset_factor"`
	Allocator       string        `yaml:"allocator"`
	HugePages       bool          `yaml:"huge_pages"`
	MaxPendingFlush int           `yaml:"max_pending_flush"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	FlushWorkers    int           `yaml:"flush_workers"`
	FlushBatch      int           `yaml:"flush_batch"`
}

// RAIDConfig represents the disk array. Disks are either listed inline or
// read from a disk list file of "node_id:path" lines.
type RAIDConfig struct {
	Mapping   string      `yaml:"mapping"`
	BlockSize int64       `yaml:"block_size"`
	DiskList  string      `yaml:"disk_list"`
	Disks     []raid.Disk `yaml:"disks"`
}

// StorageConfig selects the block backend.
type StorageConfig struct {
	Backend string        `yaml:"backend"`
	Local   LocalConfig   `yaml:"local"`
	S3      S3Config      `yaml:"s3"`
	Circuit CircuitConfig `yaml:"circuit"`
}

// LocalConfig represents local disk backend settings
type LocalConfig struct {
	QueueDepth int  `yaml:"queue_depth"`
	SyncWrites bool `yaml:"sync_writes"`
}

// S3Config represents S3 backend settings. Credentials come from the
// standard AWS chain.
type S3Config struct {
	Bucket         string        `yaml:"bucket"`
	Prefix         string        `yaml:"prefix"`
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Concurrency    int           `yaml:"concurrency"`
	StorageClass   string        `yaml:"storage_class"`
}

// CircuitConfig represents the per-disk circuit breakers in front of the
// backend
type CircuitConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	Interval         time.Duration `yaml:"interval"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool              `yaml:"enabled"`
	Port    int               `yaml:"port"`
	Path    string            `yaml:"path"`
	Labels  map[string]string `yaml:"labels"`
}

// RetryConfig represents how saturated cells are waited out
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// MemoryConfig represents memory pressure settings
type MemoryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	SoftLimit      string        `yaml:"soft_limit"`
	ShrinkStep     string        `yaml:"shrink_step"`
	MinCache       string        `yaml:"min_cache"`
	ProfileDir     string        `yaml:"profile_dir"`
	FlushTimeout   time.Duration `yaml:"flush_timeout"`
}

// HealthConfig represents component health tracking
type HealthConfig struct {
	ErrorThreshold       int           `yaml:"error_threshold"`
	UnavailableThreshold int           `yaml:"unavailable_threshold"`
	CheckInterval        time.Duration `yaml:"check_interval"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	rc := retry.DefaultConfig()
	cc := circuit.DefaultConfig()
	hc := health.DefaultConfig()
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: CacheConfig{
			Size:            "64MB",
			MaxSize:         "1GB",
			Expandable:      true,
			Policy:          "gclock",
			OffsetFactor:    1,
			Allocator:       string(buffer.AllocatorHeap),
			MaxPendingFlush: 1024,
			FlushInterval:   time.Second,
			FlushWorkers:    4,
			FlushBatch:      32,
		},
		RAID: RAIDConfig{
			Mapping:   "RAID0",
			BlockSize: raid.DefaultBlockSize,
		},
		Storage: StorageConfig{
			Backend: BackendLocal,
			Local: LocalConfig{
				QueueDepth: 64,
			},
			S3: S3Config{
				Region:         "us-east-1",
				MaxRetries:     3,
				RequestTimeout: 30 * time.Second,
				Concurrency:    16,
				StorageClass:   "STANDARD",
			},
			Circuit: CircuitConfig{
				Enabled:          true,
				FailureThreshold: cc.FailureThreshold,
				Timeout:          cc.Timeout,
				Interval:         cc.Interval,
				MaxRequests:      cc.MaxRequests,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
			Labels: map[string]string{
				"service": "safs",
			},
		},
		Retry: RetryConfig{
			MaxAttempts:  rc.MaxAttempts,
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   rc.Multiplier,
			Jitter:       rc.Jitter,
		},
		Memory: MemoryConfig{
			Enabled:        false,
			SampleInterval: 10 * time.Second,
			SoftLimit:      "2GB",
			ShrinkStep:     "16MB",
			MinCache:       "16MB",
			FlushTimeout:   30 * time.Second,
		},
		Health: HealthConfig{
			ErrorThreshold:       hc.ErrorThreshold,
			UnavailableThreshold: hc.UnavailableThreshold,
			CheckInterval:        hc.CheckInterval,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304 - operator supplied config path
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").WithContext("path", filename)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").WithContext("path", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from SAFS_* environment variables.
// Malformed numeric values are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	e := envReader{}

	// Global settings
	e.str("SAFS_LOG_LEVEL", &c.Global.LogLevel)
	e.str("SAFS_LOG_FORMAT", &c.Global.LogFormat)
	e.str("SAFS_LOG_FILE", &c.Global.LogFile)

	// Cache settings
	e.str("SAFS_CACHE_SIZE", &c.Cache.Size)
	e.str("SAFS_CACHE_MAX_SIZE", &c.Cache.MaxSize)
	e.boolean("SAFS_CACHE_EXPANDABLE", &c.Cache.Expandable)
	e.str("SAFS_CACHE_POLICY", &c.Cache.Policy)
	e.integer("SAFS_CACHE_NODE_ID", &c.Cache.NodeID)
	e.str("SAFS_CACHE_ALLOCATOR", &c.Cache.Allocator)
	e.duration("SAFS_FLUSH_INTERVAL", &c.Cache.FlushInterval)
	e.integer("SAFS_FLUSH_WORKERS", &c.Cache.FlushWorkers)

	// RAID settings
	e.str("SAFS_RAID_MAPPING", &c.RAID.Mapping)
	if val := os.Getenv("SAFS_RAID_BLOCK_SIZE"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			e.fail("SAFS_RAID_BLOCK_SIZE", val, err)
		} else {
			c.RAID.BlockSize = n
		}
	}
	e.str("SAFS_DISK_LIST", &c.RAID.DiskList)

	// Storage settings
	e.str("SAFS_STORAGE_BACKEND", &c.Storage.Backend)
	e.str("SAFS_S3_BUCKET", &c.Storage.S3.Bucket)
	e.str("SAFS_S3_PREFIX", &c.Storage.S3.Prefix)
	e.str("SAFS_S3_REGION", &c.Storage.S3.Region)
	e.str("SAFS_S3_ENDPOINT", &c.Storage.S3.Endpoint)
	e.integer("SAFS_S3_CONCURRENCY", &c.Storage.S3.Concurrency)
	e.boolean("SAFS_CIRCUIT_ENABLED", &c.Storage.Circuit.Enabled)

	// Metrics and memory
	e.boolean("SAFS_METRICS_ENABLED", &c.Metrics.Enabled)
	e.integer("SAFS_METRICS_PORT", &c.Metrics.Port)
	e.boolean("SAFS_MEMORY_MONITOR", &c.Memory.Enabled)
	e.str("SAFS_MEMORY_SOFT_LIMIT", &c.Memory.SoftLimit)

	return e.err
}

type envReader struct {
	err error
}

func (e *envReader) fail(name, val string, err error) {
	if e.err == nil {
		e.err = errors.Wrap(err, errors.ErrCodeConfigLoad, "invalid environment variable").
			WithComponent("config").WithContext("variable", name).WithContext("value", val)
	}
}

func (e *envReader) str(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func (e *envReader) integer(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		*dst = strings.ToLower(val) == "true"
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if val := os.Getenv(name); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = d
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR, FATAL)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if _, err := c.Cache.ToCache(nil, nil); err != nil {
		return err
	}
	if c.Cache.Allocator != string(buffer.AllocatorHeap) && c.Cache.Allocator != string(buffer.AllocatorMmap) {
		return invalid("invalid cache allocator: %s (must be heap or mmap)", c.Cache.Allocator)
	}

	if _, err := mapper.ParseKind(c.RAID.Mapping); err != nil {
		return err
	}
	if c.RAID.BlockSize <= 0 {
		return invalid("raid block_size must be greater than 0")
	}
	if c.RAID.DiskList == "" && len(c.RAID.Disks) == 0 {
		return invalid("raid needs disks or a disk_list")
	}

	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.QueueDepth <= 0 {
			return invalid("local queue_depth must be greater than 0")
		}
	case BackendS3:
		if err := c.Storage.S3.ToS3().Validate(); err != nil {
			return err
		}
	default:
		return invalid("unsupported storage backend: %s (must be local or s3)", c.Storage.Backend)
	}

	if c.Storage.Circuit.Enabled {
		if c.Storage.Circuit.FailureThreshold == 0 {
			return invalid("circuit failure_threshold must be greater than 0")
		}
		if c.Storage.Circuit.Timeout <= 0 {
			return invalid("circuit timeout must be greater than 0")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("invalid metrics port: %d", c.Metrics.Port)
	}

	if c.Retry.MaxAttempts <= 0 {
		return invalid("retry max_attempts must be greater than 0")
	}

	if c.Memory.Enabled {
		if _, err := c.Memory.ToMonitor(nil); err != nil {
			return err
		}
	}

	return c.Health.ToHealth().Validate()
}

// NewLogger builds the logger described by the global section. The
// returned closer releases the log file, if any.
func (g GlobalConfig) NewLogger() (*utils.StructuredLogger, io.Closer, error) {
	level, err := utils.ParseLogLevel(g.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := utils.ParseLogFormat(g.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = format

	var closer io.Closer = io.NopCloser(nil)
	if g.LogFile != "" {
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to open log file").
				WithComponent("config").WithContext("path", g.LogFile)
		}
		lc.Output = f
		closer = f
	}

	logger, err := utils.NewStructuredLogger(lc)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return logger, closer, nil
}

func parseSize(field, s string) (int64, error) {
	n, err := utils.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid size").
			WithComponent("config").WithContext("field", field).WithContext("value", s)
	}
	return n, nil
}

// ToCache converts the section into a cache configuration.
func (cc CacheConfig) ToCache(buffers *buffer.Manager, logger *utils.StructuredLogger) (*cache.Config, error) {
	size, err := parseSize("cache.size", cc.Size)
	if err != nil {
		return nil, err
	}
	maxSize := size
	if cc.MaxSize != "" {
		if maxSize, err = parseSize("cache.max_size", cc.MaxSize); err != nil {
			return nil, err
		}
	}
	if maxSize < size {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "cache max_size %s is below size %s", cc.MaxSize, cc.Size).
			WithComponent("config")
	}
	policy, err := cache.ParsePolicy(cc.Policy)
	if err != nil {
		return nil, err
	}

	cfg := &cache.Config{
		CacheSize:       size,
		MaxCacheSize:    maxSize,
		Expandable:      cc.Expandable,
		NodeID:          cc.NodeID,
		OffsetFactor:    cc.OffsetFactor,
		Policy:          policy,
		MaxPendingFlush: cc.MaxPendingFlush,
		FlushInterval:   cc.FlushInterval,
		FlushWorkers:    cc.FlushWorkers,
		FlushBatch:      cc.FlushBatch,
		Buffers:         buffers,
		Logger:          logger,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToBuffers converts the section into a buffer manager configuration
// bounded by the maximum cache size.
func (cc CacheConfig) ToBuffers(logger *utils.StructuredLogger) (*buffer.ManagerConfig, error) {
	limit := cc.MaxSize
	if limit == "" {
		limit = cc.Size
	}
	maxBytes, err := parseSize("cache.max_size", limit)
	if err != nil {
		return nil, err
	}
	return &buffer.ManagerConfig{
		Allocator: buffer.AllocatorKind(cc.Allocator),
		MaxBytes:  maxBytes,
		HugePages: cc.HugePages,
		Logger:    logger,
	}, nil
}

// ToRAID builds the RAID configuration. A disk list file takes precedence
// over inline disks.
func (rc RAIDConfig) ToRAID(factory *mapper.Factory) (*raid.Config, error) {
	if rc.DiskList != "" {
		return raid.FromDiskList(rc.DiskList, rc.Mapping, rc.BlockSize, factory)
	}
	kind, err := mapper.ParseKind(rc.Mapping)
	if err != nil {
		return nil, err
	}
	disks := append([]raid.Disk(nil), rc.Disks...)
	for i := range disks {
		disks[i].DiskID = i
	}
	return raid.New(kind, rc.BlockSize, disks, factory)
}

// ToLocal converts the section into a local backend configuration.
func (lc LocalConfig) ToLocal(logger *utils.StructuredLogger) *local.Config {
	cfg := local.NewDefaultConfig()
	cfg.QueueDepth = lc.QueueDepth
	cfg.SyncWrites = lc.SyncWrites
	cfg.Logger = logger
	return cfg
}

// ToS3 converts the section into an S3 backend configuration.
func (sc S3Config) ToS3() *s3.Config {
	return &s3.Config{
		Bucket:         sc.Bucket,
		Prefix:         sc.Prefix,
		Region:         sc.Region,
		Endpoint:       sc.Endpoint,
		ForcePathStyle: sc.ForcePathStyle,
		MaxRetries:     sc.MaxRetries,
		RequestTimeout: sc.RequestTimeout,
		Concurrency:    sc.Concurrency,
		StorageClass:   sc.StorageClass,
	}
}

// ToMetrics converts the section into a metrics collector configuration.
func (mc MetricsConfig) ToMetrics(logger *utils.StructuredLogger) *metrics.Config {
	cfg := metrics.DefaultConfig()
	cfg.Enabled = mc.Enabled
	cfg.Port = mc.Port
	if mc.Path != "" {
		cfg.Path = mc.Path
	}
	for k, v := range mc.Labels {
		cfg.Labels[k] = v
	}
	cfg.Logger = logger
	return cfg
}

// ToRetry converts the section into a retry configuration that keeps the
// default retryable codes.
func (rc RetryConfig) ToRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = rc.MaxAttempts
	cfg.InitialDelay = rc.InitialDelay
	cfg.MaxDelay = rc.MaxDelay
	cfg.Multiplier = rc.Multiplier
	cfg.Jitter = rc.Jitter
	return cfg
}

// ToCircuit converts the section into the breaker configuration shared by
// every disk.
func (cc CircuitConfig) ToCircuit() circuit.Config {
	return circuit.Config{
		MaxRequests:      cc.MaxRequests,
		Interval:         cc.Interval,
		Timeout:          cc.Timeout,
		FailureThreshold: cc.FailureThreshold,
	}
}

// ToHealth converts the section into a tracker configuration.
func (hc HealthConfig) ToHealth() health.Config {
	return health.Config{
		ErrorThreshold:       hc.ErrorThreshold,
		UnavailableThreshold: hc.UnavailableThreshold,
		CheckInterval:        hc.CheckInterval,
	}
}

// ToMonitor converts the section into a memory monitor configuration.
func (mc MemoryConfig) ToMonitor(logger *utils.StructuredLogger) (memmon.Config, error) {
	cfg := memmon.DefaultConfig()
	limit, err := parseSize("memory.soft_limit", mc.SoftLimit)
	if err != nil {
		return cfg, err
	}
	step, err := parseSize("memory.shrink_step", mc.ShrinkStep)
	if err != nil {
		return cfg, err
	}
	cfg.SoftLimit = limit
	cfg.ShrinkBytes = step
	if mc.MinCache != "" {
		if cfg.MinCacheBytes, err = parseSize("memory.min_cache", mc.MinCache); err != nil {
			return cfg, err
		}
	}
	cfg.ProfileDir = mc.ProfileDir
	if mc.SampleInterval > 0 {
		cfg.SampleInterval = mc.SampleInterval
	}
	if mc.FlushTimeout > 0 {
		cfg.FlushTimeout = mc.FlushTimeout
	}
	cfg.Logger = logger
	return cfg, cfg.Validate()
}
