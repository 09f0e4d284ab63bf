package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"arpscan/scan"

	"gopkg.in/yaml.v3"
)

// Config 配置文件的结构,命令行参数会覆盖其中的值
type Config struct {
	Interface string   `yaml:"interface"`
	Networks  []string `yaml:"networks"` //CIDR、单个地址或者 a-b 区间
	Exclude   []string `yaml:"exclude"`

	Timeout     Duration `yaml:"timeout"`      //每个目标
	ScanTimeout Duration `yaml:"scan_timeout"` //整个会话
	Retry       int      `yaml:"retry"`
	Interval    Duration `yaml:"interval"`
	GracePeriod Duration `yaml:"grace_period"`

	SourceIP       string `yaml:"source_ip"`
	SourceMAC      string `yaml:"source_mac"`
	DestinationMAC string `yaml:"destination_mac"`

	Resolve   bool   `yaml:"resolve_hostname"`
	OUIFile   string `yaml:"oui_file"`
	Output    string `yaml:"output"` //plain、json、yaml 或 csv
	PcapOut   string `yaml:"pcap_out"`
	Verbose   bool   `yaml:"verbose"`
	LogFormat string `yaml:"log_format"` //text 或 json
}

// Duration 配置文件里写成 "500ms" 这样的字符串
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Default 与 scan.DefaultConfig 保持一致
func Default() *Config {
	def := scan.DefaultConfig()
	return &Config{
		Timeout:     Duration{def.Timeout},
		ScanTimeout: Duration{def.GlobalTimeout},
		Retry:       def.Retries,
		Interval:    Duration{def.Interval},
		GracePeriod: Duration{def.GracePeriod},
		Output:      "plain",
		LogFormat:   "text",
	}
}

// Load 读取 YAML 配置文件,没有出现的字段保留默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Session 转换成扫描引擎的配置。源地址为空时由调用者根据网卡补全
func (c *Config) Session() (scan.Config, error) {
	sc := scan.DefaultConfig()
	sc.Ranges = c.Networks
	sc.Exclude = c.Exclude
	sc.Interface = c.Interface
	sc.Timeout = c.Timeout.Duration
	sc.GlobalTimeout = c.ScanTimeout.Duration
	sc.Retries = c.Retry
	sc.Interval = c.Interval.Duration
	sc.GracePeriod = c.GracePeriod.Duration

	if c.SourceIP != "" {
		ip := net.ParseIP(c.SourceIP).To4()
		if ip == nil {
			return sc, &scan.ConfigError{Field: "source ip", Err: fmt.Errorf("%q is not an IPv4 address", c.SourceIP)}
		}
		sc.SourceIP = ip
	}
	if c.SourceMAC != "" {
		mac, err := net.ParseMAC(c.SourceMAC)
		if err != nil {
			return sc, &scan.ConfigError{Field: "source mac", Err: err}
		}
		sc.SourceMAC = mac
	}
	if c.DestinationMAC != "" {
		mac, err := net.ParseMAC(c.DestinationMAC)
		if err != nil {
			return sc, &scan.ConfigError{Field: "destination mac", Err: err}
		}
		sc.DestinationMAC = mac
	}
	return sc, nil
}
