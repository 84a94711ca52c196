package main

import (
	"flag"
	"fmt"
	"time"

	"csc-service/csc"

	"github.com/spf13/viper"
)

type LogLevel int

const (
	LogLevelNone  LogLevel = 0
	LogLevelError LogLevel = 1
	LogLevelWarn  LogLevel = 2
	LogLevelInfo  LogLevel = 3
	LogLevelDebug LogLevel = 4
)

type Options struct {
	LogLevel        LogLevel
	RedisServerAddr string
	RedisServerPort uint16
	HTTPAddr        string

	DeviceAddress        string
	ScanTimeout          time.Duration
	WheelCircumferenceMm float64
	Units                csc.Units
	Simulate             bool

	MaxRetries  int
	BaseDelay   time.Duration
	LadderReset bool
}

// envDefaults returns flag defaults, overridable through CSC_* environment variables
func envDefaults() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CSC")
	v.AutomaticEnv()

	v.SetDefault("log", int(LogLevelInfo))
	v.SetDefault("redis_server", "127.0.0.1")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("device", "")
	v.SetDefault("scan_timeout", 10*time.Second)
	v.SetDefault("wheel_circumference", csc.DefaultWheelCircumferenceMm)
	v.SetDefault("units", "metric")
	v.SetDefault("simulate", false)
	v.SetDefault("max_retries", csc.DefaultMaxRetries)
	v.SetDefault("base_delay", csc.DefaultBaseDelay)
	v.SetDefault("ladder_reset", true)

	return v
}

// parseOptions registers the service flags on fs, parses args and validates the result
func parseOptions(fs *flag.FlagSet, args []string, env *viper.Viper) (*Options, error) {
	logLevel := fs.Int("log", env.GetInt("log"), "Log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")
	redisServer := fs.String("redis_server", env.GetString("redis_server"), "Redis server address")
	redisPort := fs.Int("redis_port", env.GetInt("redis_port"), "Redis server port")
	httpAddr := fs.String("http_addr", env.GetString("http_addr"), "Listen address for the live stats websocket (empty disables)")
	device := fs.String("device", env.GetString("device"), "CSC sensor address (empty connects to the first CSC sensor found)")
	scanTimeout := fs.Duration("scan_timeout", env.GetDuration("scan_timeout"), "How long one connect attempt scans for the sensor")
	wheel := fs.Float64("wheel_circumference", env.GetFloat64("wheel_circumference"), "Wheel circumference in mm")
	units := fs.String("units", env.GetString("units"), "Display units (metric or imperial)")
	simulate := fs.Bool("simulate", env.GetBool("simulate"), "Generate synthetic samples instead of connecting to a sensor")
	maxRetries := fs.Int("max_retries", env.GetInt("max_retries"), "Reconnect attempts before giving up")
	baseDelay := fs.Duration("base_delay", env.GetDuration("base_delay"), "Delay before the first reconnect attempt, doubled per attempt")
	ladderReset := fs.Bool("ladder_reset", env.GetBool("ladder_reset"), "Restart the full retry ladder after every disconnect")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *logLevel < 0 || *logLevel > 4 {
		return nil, fmt.Errorf("invalid log level %d", *logLevel)
	}
	if *redisPort <= 0 || *redisPort > 65535 {
		return nil, fmt.Errorf("invalid redis port %d", *redisPort)
	}
	if *wheel <= 0 {
		return nil, fmt.Errorf("invalid wheel circumference %.1f mm", *wheel)
	}
	if *maxRetries < 0 {
		return nil, fmt.Errorf("invalid max retries %d", *maxRetries)
	}
	if *baseDelay <= 0 {
		return nil, fmt.Errorf("invalid base delay %s", *baseDelay)
	}
	unitsEnum, err := csc.ParseUnits(*units)
	if err != nil {
		return nil, err
	}

	return &Options{
		LogLevel:             LogLevel(*logLevel),
		RedisServerAddr:      *redisServer,
		RedisServerPort:      uint16(*redisPort),
		HTTPAddr:             *httpAddr,
		DeviceAddress:        *device,
		ScanTimeout:          *scanTimeout,
		WheelCircumferenceMm: *wheel,
		Units:                unitsEnum,
		Simulate:             *simulate,
		MaxRetries:           *maxRetries,
		BaseDelay:            *baseDelay,
		LadderReset:          *ladderReset,
	}, nil
}

func (o *Options) ladderPolicy() csc.LadderPolicy {
	if o.LadderReset {
		return csc.LadderResetOnDisconnect
	}
	return csc.LadderResumeOnDisconnect
}
