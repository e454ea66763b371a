/*
Package config holds the SAFS configuration: one YAML document with a
section per component, overridable from SAFS_* environment variables.

# Sources

Values are layered, later sources winning:

	defaults (NewDefault) -> YAML file (LoadFromFile) -> environment (LoadFromEnv)

LoadFromFile rejects unknown keys, so a misspelt option fails loudly
instead of silently keeping its default.

# Sections

	global:
	  log_level: INFO        # TRACE, DEBUG, INFO, WARN, ERROR, FATAL
	  log_format: text       # text or json
	  log_file: ""           # stdout when empty

	cache:
	  size: 64MB
	  max_size: 1GB
	  expandable: true
	  policy: gclock         # gclock, clock, lru, lfu, fifo
	  allocator: heap        # heap or mmap
	  max_pending_flush: 1024
	  flush_interval: 1s

	raid:
	  mapping: RAID0         # RAID0, RAID5 or HASH
	  block_size: 16         # pages per stripe block
	  disk_list: /etc/safs/disks.txt
	  disks:
	    - {path: /mnt/ssd0, node_id: 0}
	    - {path: /mnt/ssd1, node_id: 1}

	storage:
	  backend: local         # local or s3
	  local: {queue_depth: 64}
	  s3: {bucket: safs-pages, prefix: array0}
	  circuit: {enabled: true, failure_threshold: 5, timeout: 30s}

	metrics: {enabled: true, port: 9090, path: /metrics}
	retry: {max_attempts: 8, initial_delay: 1ms, max_delay: 100ms}
	memory: {enabled: false, soft_limit: 2GB, shrink_step: 16MB, min_cache: 16MB}
	health: {error_threshold: 3, unavailable_threshold: 10, check_interval: 30s}

Sizes are human readable byte strings ("4KB", "1.5G") parsed with
utils.ParseBytes. A disk_list file, when set, replaces inline disks.

# Building components

Each section converts into the configuration of the package it drives:
CacheConfig.ToCache and ToBuffers, RAIDConfig.ToRAID, LocalConfig.ToLocal,
S3Config.ToS3, CircuitConfig.ToCircuit, MetricsConfig.ToMetrics,
RetryConfig.ToRetry, MemoryConfig.ToMonitor and HealthConfig.ToHealth. GlobalConfig.NewLogger builds the structured logger.
*/
package config
