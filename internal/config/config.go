// Package config handles knet configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// 支持的网卡驱动
const (
	DriverTap     = "tap"
	DriverE1000   = "e1000"
	DriverChannel = "channel"
)

// Config 是knet的全部静态配置
type Config struct {
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	Stack    StackConfig     `mapstructure:"stack" yaml:"stack"`
	Adapters []AdapterConfig `mapstructure:"adapters" yaml:"adapters"`
	Routes   []RouteConfig   `mapstructure:"routes" yaml:"routes"`
	Pcap     PcapConfig      `mapstructure:"pcap" yaml:"pcap"`
}

// ─── Log ───

// LogConfig 日志级别、格式和输出
type LogConfig struct {
	Level  string        `mapstructure:"level" yaml:"level"`
	Format string        `mapstructure:"format" yaml:"format"` // text | json
	File   LogFileConfig `mapstructure:"file" yaml:"file"`
}

// LogFileConfig 日志文件滚动配置，Path为空时只输出到stderr
type LogFileConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ─── Stack ───

// StackConfig 协议栈的表容量、超时和轮询参数
type StackConfig struct {
	ARPTableSize     int           `mapstructure:"arp_table_size" yaml:"arp_table_size"`
	AddressTableSize int           `mapstructure:"address_table_size" yaml:"address_table_size"`
	RouteTableSize   int           `mapstructure:"route_table_size" yaml:"route_table_size"`
	ARPEntryTTL      time.Duration `mapstructure:"arp_entry_ttl" yaml:"arp_entry_ttl"` // 0 = never expire
	ResolveTimeout   time.Duration `mapstructure:"resolve_timeout" yaml:"resolve_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ARPingTimeout    time.Duration `mapstructure:"arping_timeout" yaml:"arping_timeout"`
	EchoTimeout      time.Duration `mapstructure:"echo_timeout" yaml:"echo_timeout"`
	EchoCount        int           `mapstructure:"echo_count" yaml:"echo_count"`
	EchoRateLimit    float64       `mapstructure:"echo_rate_limit" yaml:"echo_rate_limit"` // 0 = unlimited
	EchoBurst        int           `mapstructure:"echo_burst" yaml:"echo_burst"`
	RxBufferFrames   int           `mapstructure:"rx_buffer_frames" yaml:"rx_buffer_frames"`
	DefaultTTL       int           `mapstructure:"default_ttl" yaml:"default_ttl"`
}

// ─── Adapters & routes ───

// AdapterConfig 一块网卡，按在列表中的顺序编号 0,1,2...
type AdapterConfig struct {
	Name         string        `mapstructure:"name" yaml:"name"`
	Driver       string        `mapstructure:"driver" yaml:"driver"`
	Device       string        `mapstructure:"device" yaml:"device,omitempty"`     // tap: interface name
	Resource     string        `mapstructure:"resource" yaml:"resource,omitempty"` // e1000: BAR0 resource file
	ResetTimeout time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout,omitempty"`
	MAC          string        `mapstructure:"mac" yaml:"mac,omitempty"` // channel: link address
	Address      string        `mapstructure:"address" yaml:"address,omitempty"`
	Mask         string        `mapstructure:"mask" yaml:"mask,omitempty"`
	HostAddress  string        `mapstructure:"host_address" yaml:"host_address,omitempty"` // tap: a.b.c.d/N on the host side
}

// RouteConfig 静态路由，Gateway为空表示主机路由
type RouteConfig struct {
	Destination string `mapstructure:"destination" yaml:"destination"`
	Mask        string `mapstructure:"mask" yaml:"mask"`
	Gateway     string `mapstructure:"gateway" yaml:"gateway,omitempty"`
	Device      int    `mapstructure:"device" yaml:"device"`
}

// PcapConfig 非空时所有网卡都经过sniffer，收发帧写入该pcap文件
type PcapConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Load 依次应用默认值、配置文件和 KNET_* 环境变量，然后校验。path为空时只用默认值
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// e.g. KNET_LOG_LEVEL=debug, KNET_STACK_RESOLVE_TIMEOUT=5s
	v.SetEnvPrefix("knet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// 默认值本身必须能通过校验
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 50)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 7)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("stack.arp_table_size", 4096)
	v.SetDefault("stack.address_table_size", 100)
	v.SetDefault("stack.route_table_size", 30)
	v.SetDefault("stack.arp_entry_ttl", "300s")
	v.SetDefault("stack.resolve_timeout", "3s")
	v.SetDefault("stack.poll_interval", "10us")
	v.SetDefault("stack.arping_timeout", "5s")
	v.SetDefault("stack.echo_timeout", "3s")
	v.SetDefault("stack.echo_count", 5)
	v.SetDefault("stack.echo_rate_limit", 1000)
	v.SetDefault("stack.echo_burst", 50)
	v.SetDefault("stack.rx_buffer_frames", 180)
	v.SetDefault("stack.default_ttl", 128)

	v.SetDefault("pcap.path", "")
}

// ValidateAndApplyDefaults 校验配置，并给列表项补默认值
func (cfg *Config) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	s := &cfg.Stack
	if s.ARPTableSize <= 0 || s.AddressTableSize <= 0 || s.RouteTableSize <= 0 {
		return fmt.Errorf("table sizes must be positive (arp=%d address=%d route=%d)",
			s.ARPTableSize, s.AddressTableSize, s.RouteTableSize)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("stack.poll_interval must be positive")
	}
	if s.ResolveTimeout <= 0 || s.ARPingTimeout <= 0 || s.EchoTimeout <= 0 {
		return fmt.Errorf("stack timeouts must be positive")
	}
	if s.ARPEntryTTL < 0 {
		return fmt.Errorf("stack.arp_entry_ttl must not be negative")
	}
	if s.EchoCount <= 0 {
		return fmt.Errorf("stack.echo_count must be positive")
	}
	if s.RxBufferFrames <= 0 {
		return fmt.Errorf("stack.rx_buffer_frames must be positive")
	}
	if s.DefaultTTL <= 0 || s.DefaultTTL > 255 {
		return fmt.Errorf("stack.default_ttl must be in 1..255, got %d", s.DefaultTTL)
	}

	for i := range cfg.Adapters {
		a := &cfg.Adapters[i]
		switch a.Driver {
		case DriverTap:
			if a.Device == "" {
				a.Device = a.Name
			}
			if a.Device == "" {
				return fmt.Errorf("adapters[%d]: tap adapter needs a device name", i)
			}
		case DriverE1000:
			if a.Resource == "" {
				return fmt.Errorf("adapters[%d]: e1000 adapter needs a resource path", i)
			}
			if a.ResetTimeout == 0 {
				a.ResetTimeout = time.Second
			}
		case DriverChannel:
			if a.MAC != "" {
				if _, err := tcpip.ParseLinkAddress(a.MAC); err != nil {
					return fmt.Errorf("adapters[%d]: %w", i, err)
				}
			}
		default:
			return fmt.Errorf("adapters[%d]: unknown driver %q (must be tap/e1000/channel)", i, a.Driver)
		}
		if a.Name == "" {
			a.Name = fmt.Sprintf("eth%d", i)
		}
		if a.Address == "" && a.Mask == "" {
			continue
		}
		if _, err := tcpip.ParseAddress(a.Address); err != nil {
			return fmt.Errorf("adapters[%d]: %w", i, err)
		}
		if err := validateMask(a.Mask); err != nil {
			return fmt.Errorf("adapters[%d]: %w", i, err)
		}
	}

	for i, r := range cfg.Routes {
		if _, err := tcpip.ParseAddress(r.Destination); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		if err := validateMask(r.Mask); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		if r.Gateway != "" {
			if _, err := tcpip.ParseAddress(r.Gateway); err != nil {
				return fmt.Errorf("routes[%d]: %w", i, err)
			}
		}
		if r.Device < 0 || r.Device >= len(cfg.Adapters) {
			return fmt.Errorf("routes[%d]: no adapter %d", i, r.Device)
		}
	}
	return nil
}

func validateMask(s string) error {
	m, err := tcpip.ParseMask(s)
	if err != nil {
		return err
	}
	if m.Prefix() < 0 {
		return fmt.Errorf("non-contiguous mask %s", s)
	}
	return nil
}
