package iobroker

import (
	"encoding/json"
	"fmt"
)

// RedisSpec is the connection to the redis backed objects and states db
type RedisSpec struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

func (s RedisSpec) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Config is the iobroker.json document consumed by adapter containers
type Config struct {
	System           SystemConfig           `json:"system"`
	MultihostService MultihostServiceConfig `json:"multihostService"`
	Objects          ObjectsConfig          `json:"objects"`
	States           StatesConfig           `json:"states"`
	Log              LogConfig              `json:"log"`
	DataDirComment   string                 `json:"// dataDir"`
	DataDir          string                 `json:"dataDir"`
	Plugins          map[string]interface{} `json:"plugins"`
	DNSComment       string                 `json:"// dnsResolution"`
	DNSResolution    string                 `json:"dnsResolution"`
}

type SystemConfig struct {
	MemoryLimitMB             int    `json:"memoryLimitMB"`
	Hostname                  string `json:"hostname"`
	StatisticsInterval        int    `json:"statisticsInterval"`
	StatisticsIntervalComment string `json:"// statisticsInterval"`
	CheckDiskInterval         int    `json:"checkDiskInterval"`
	CheckDiskIntervalComment  string `json:"// checkDiskInterval"`
	InstanceStartInterval     int    `json:"instanceStartInterval"`
	Compact                   bool   `json:"compact"`
	CompactComment            string `json:"// compact"`
	AllowShellCommands        bool   `json:"allowShellCommands"`
	AllowShellCommandsComment string `json:"// allowShellCommands"`
	MemLimitWarn              int    `json:"memLimitWarn"`
	MemLimitWarnComment       string `json:"// memLimitWarn"`
	MemLimitError             int    `json:"memLimitError"`
	MemLimitErrorComment      string `json:"// memLimitError"`
}

type MultihostServiceConfig struct {
	Enabled  bool   `json:"enabled"`
	Secure   bool   `json:"secure"`
	Password string `json:"password"`
	Persist  bool   `json:"persist"`
}

type DatabaseConfig struct {
	Type              string          `json:"type"`
	TypeComment       string          `json:"// type"`
	Host              string          `json:"host"`
	Port              int             `json:"port"`
	ConnectTimeout    int             `json:"connectTimeout"`
	WriteFileInterval int             `json:"writeFileInterval"`
	DataDir           string          `json:"dataDir"`
	Options           DatabaseOptions `json:"options"`
	Backup            BackupConfig    `json:"backup"`
	JSONLOptions      JSONLOptions    `json:"jsonlOptions"`
}

type DatabaseOptions struct {
	AuthPass      string `json:"auth_pass"`
	RetryMaxDelay int    `json:"retry_max_delay"`
	RetryMaxCount int    `json:"retry_max_count"`
	DB            int    `json:"db"`
	Family        int    `json:"family"`
}

// BackupConfig and JSONLOptions carry the empty placeholder keys js-controller
// writes into a fresh iobroker.json
type BackupConfig struct {
	Disabled      bool   `json:"disabled"`
	Files         int    `json:"files"`
	FilesComment  string `json:"// files"`
	Hours         int    `json:"hours"`
	HoursComment  string `json:"// hours"`
	Period        int    `json:"period"`
	PeriodComment string `json:"// period"`
	Path          string `json:"path"`
	PathComment   string `json:"// path"`
}

type JSONLOptions struct {
	AutoCompressComment1 string `json:"// autoCompress (1)"`
	AutoCompressComment2 string `json:"// autoCompress (2)"`
	AutoCompressComment3 string `json:"// autoCompress (3)"`
	AutoCompress         struct {
		SizeFactor            int `json:"sizeFactor"`
		SizeFactorMinimumSize int `json:"sizeFactorMinimumSize"`
	} `json:"autoCompress"`
	IgnoreReadErrorsComment string `json:"// ignoreReadErrors"`
	IgnoreReadErrors        bool   `json:"ignoreReadErrors"`
	ThrottleFSComment1      string `json:"// throttleFS (1)"`
	ThrottleFSComment2      string `json:"// throttleFS (2)"`
	ThrottleFS              struct {
		IntervalMsComment          string `json:"// intervalMs"`
		IntervalMs                 int    `json:"intervalMs"`
		MaxBufferedCommandsComment string `json:"// maxBufferedCommands"`
		MaxBufferedCommands        int    `json:"maxBufferedCommands"`
	} `json:"throttleFS"`
}

type ObjectsConfig struct {
	DatabaseConfig

	NoFileCache bool `json:"noFileCache"`
}

type StatesConfig struct {
	DatabaseConfig

	MaxQueue int `json:"maxQueue"`
}

type LogConfig struct {
	Level     string                 `json:"level"`
	MaxDays   int                    `json:"maxDays"`
	NoStdout  bool                   `json:"noStdout"`
	Transport map[string]interface{} `json:"transport"`
}

// Materializer builds runtime configurations for adapter containers
type Materializer struct {
	Hostname string
	LogLevel string
}

// Build a fresh configuration for the redis connection, never cached
// so that credential changes are picked up by the next install
func (m *Materializer) Build(redis RedisSpec) *Config {
	db := DatabaseConfig{
		Type:              "redis",
		Host:              redis.Host,
		Port:              redis.Port,
		ConnectTimeout:    5000,
		WriteFileInterval: 5000,
		Options: DatabaseOptions{
			AuthPass:      redis.Password,
			RetryMaxDelay: 5000,
			RetryMaxCount: 19,
			DB:            redis.DB,
			Family:        0,
		},
		Backup: BackupConfig{
			Files:  24,
			Hours:  48,
			Period: 120,
		},
	}
	db.JSONLOptions.AutoCompress.SizeFactor = 2
	db.JSONLOptions.AutoCompress.SizeFactorMinimumSize = 25000
	db.JSONLOptions.IgnoreReadErrors = true
	db.JSONLOptions.ThrottleFS.IntervalMs = 60000
	db.JSONLOptions.ThrottleFS.MaxBufferedCommands = 100

	logLevel := m.LogLevel
	if logLevel == "" {
		logLevel = "debug"
	}

	return &Config{
		System: SystemConfig{
			Hostname:                  m.Hostname,
			CheckDiskIntervalComment:  "Disabled in k8s",
			CompactComment:            "Never used in k8s",
			AllowShellCommands:        false,
			AllowShellCommandsComment: "For security reasons, shell commands are not allowed in k8s",
			MemLimitWarn:              100,
			MemLimitWarnComment:       "Warn if less than 100 MB available",
			MemLimitError:             50,
			MemLimitErrorComment:      "Error if less than 50 MB available",
		},
		MultihostService: MultihostServiceConfig{
			Secure: true,
		},
		Objects: ObjectsConfig{DatabaseConfig: db},
		States:  StatesConfig{DatabaseConfig: db, MaxQueue: 1000},
		Log: LogConfig{
			Level:     logLevel,
			MaxDays:   7,
			Transport: map[string]interface{}{},
		},
		DataDirComment: "Always relative to iobroker.js-controller/",
		Plugins:        map[string]interface{}{},
		DNSComment:     "Use 'verbatim' for ipv6 first, else use 'ipv4first'",
		DNSResolution:  "ipv4first",
	}
}

// Marshal the config the way it is stored in the ConfigMap
func (c *Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
