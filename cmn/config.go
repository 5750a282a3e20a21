package cmn

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Role mirrors smem_trans_config's role field (spec §6).
type Role int32

const (
	RoleNone Role = iota
	RoleSender
	RoleReceiver
	RoleBoth
)

func (r Role) IsSender() bool   { return r == RoleSender || r == RoleBoth }
func (r Role) IsReceiver() bool { return r == RoleReceiver || r == RoleBoth }

// DataOpType mirrors smem_trans_config's dataOpType field.
type DataOpType int32

const (
	DataOpSDMA DataOpType = 1
	DataOpROCE DataOpType = 2
)

// Config is the process-wide configuration, the Go analogue of
// smem_trans_config_t (spec §6) plus the transport/store tunables spec §4
// calls out by name (reconnectRetryTimes, heartbeat interval, retry
// schedule, watcher interval).
type Config struct {
	Role           Role          `json:"role"`
	InitTimeout    time.Duration `json:"init_timeout"`
	DeviceID       int32         `json:"device_id"`
	DataOpType     DataOpType    `json:"data_op_type"`
	StartConfigSvr bool          `json:"start_config_server"`

	// Transport Manager tunables (C6). OneSidedRetries and OneSidedBackoff
	// are not read anywhere: transport/host retries on its own fixed
	// 0s/1s/2s schedule.
	ReconnectRetryTimes int           `json:"reconnect_retry_times"`
	OneSidedRetries     int           `json:"one_sided_retries"`
	OneSidedBackoff     time.Duration `json:"one_sided_backoff"`
	TransportBasePort   int           `json:"transport_base_port"`

	// Rendezvous link tunables (C2). CompressionMinLen is not read anywhere:
	// link.New fixes the compression threshold at 64 KiB.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	TLSEnabled        bool          `json:"tls_enabled"`
	CompressionMinLen int           `json:"compression_min_len"`

	// Transfer entity tunables (C10).
	WatcherInterval time.Duration `json:"watcher_interval"`
}

// DefaultConfig matches the defaults named explicitly in spec §4 and §6.
func DefaultConfig() *Config {
	c := &Config{
		Role:                RoleBoth,
		InitTimeout:         120 * time.Second,
		DataOpType:          DataOpSDMA,
		ReconnectRetryTimes: 60,
		OneSidedRetries:     3,
		OneSidedBackoff:     1 * time.Second,
		TransportBasePort:   20000,
		HeartbeatInterval:   2000 * time.Millisecond,
		CompressionMinLen:   64 * KiB,
		WatcherInterval:     3 * time.Second,
	}
	if os.Getenv("HYBRIDMEM_UNIT_TEST") != "" {
		c.HeartbeatInterval = 100 * time.Millisecond
		c.WatcherInterval = 20 * time.Millisecond
	}
	if v := os.Getenv("MEMFABRIC_HYBRID_TLS_ENABLE"); v == "1" {
		c.TLSEnabled = true
	}
	return c
}

const KiB = 1024

// LoadConfigFile overlays JSON from path onto a copy of DefaultConfig.
func LoadConfigFile(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return c, nil
}
