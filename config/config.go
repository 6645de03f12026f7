package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host string
	Port int
}

type EngineConfig struct {
	Backend    string
	ModelPath  string
	NamesFile  string
	Names      []string
	Conf       float32
	Iou        float32
	InputSize  int
	UseGPU     bool
	Warmup     int
	OrtLibPath string
}

type PipelineConfig struct {
	QueueSize int
}

type SourceConfig struct {
	CameraReconnect bool
}

type HeartbeatConfig struct {
	Enabled  bool
	Endpoint string
	Interval time.Duration
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	MonitorPort int
	Engine      EngineConfig
	Pipeline    PipelineConfig
	Source      SourceConfig
	TablesPath  string
	SaveDir     string
	Heartbeat   HeartbeatConfig
}

// Load 读取 config.yaml (当前目录或 ./config), 环境变量覆盖同名配置项,
// 例如 HTTP_PORT 覆盖 http.port。文件缺失时全部使用默认值。
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	cfg := &Config{
		Environment: v.GetString("environment"),
		HTTP: HTTPConfig{
			Host: v.GetString("http.host"),
			Port: v.GetInt("http.port"),
		},
		MonitorPort: v.GetInt("monitor_port"),
		Engine: EngineConfig{
			Backend:    v.GetString("engine.backend"),
			ModelPath:  v.GetString("engine.model_path"),
			NamesFile:  v.GetString("engine.names_file"),
			Names:      v.GetStringSlice("engine.names"),
			Conf:       float32(v.GetFloat64("engine.conf")),
			Iou:        float32(v.GetFloat64("engine.iou")),
			InputSize:  v.GetInt("engine.input_size"),
			UseGPU:     v.GetBool("engine.use_gpu"),
			Warmup:     v.GetInt("engine.warmup"),
			OrtLibPath: v.GetString("engine.ort_lib_path"),
		},
		Pipeline: PipelineConfig{
			QueueSize: v.GetInt("pipeline.queue_size"),
		},
		Source: SourceConfig{
			CameraReconnect: v.GetBool("source.camera_reconnect"),
		},
		TablesPath: v.GetString("tables_path"),
		SaveDir:    v.GetString("save_dir"),
		Heartbeat: HeartbeatConfig{
			Enabled:  v.GetBool("heartbeat.enabled"),
			Endpoint: v.GetString("heartbeat.endpoint"),
			Interval: v.GetDuration("heartbeat.interval"),
		},
	}

	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.MonitorPort == 0 {
		cfg.MonitorPort = 2112
	}
	if cfg.Engine.Backend == "" {
		cfg.Engine.Backend = "dnn"
	}
	if cfg.Engine.Conf == 0 {
		cfg.Engine.Conf = 0.3
	}
	if cfg.Engine.Iou == 0 {
		cfg.Engine.Iou = 0.45
	}
	if cfg.Engine.InputSize == 0 {
		cfg.Engine.InputSize = 640
	}
	if cfg.Engine.Warmup == 0 {
		cfg.Engine.Warmup = 1
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 16
	}
	if cfg.SaveDir == "" {
		cfg.SaveDir = "results"
	}
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = 30 * time.Second
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", cfg.HTTP.Port)
	}
	if cfg.MonitorPort < 1 || cfg.MonitorPort > 65535 {
		return fmt.Errorf("monitor_port must be between 1 and 65535, got %d", cfg.MonitorPort)
	}
	if cfg.HTTP.Port == cfg.MonitorPort {
		return fmt.Errorf("http.port and monitor_port must differ, both are %d", cfg.HTTP.Port)
	}
	if cfg.Engine.Backend != "dnn" && cfg.Engine.Backend != "ort" {
		return fmt.Errorf("engine.backend must be dnn or ort, got %s", cfg.Engine.Backend)
	}
	if cfg.Engine.Conf <= 0 || cfg.Engine.Conf >= 1 {
		return fmt.Errorf("engine.conf must be between 0.0 and 1.0, got %f", cfg.Engine.Conf)
	}
	if cfg.Engine.Iou <= 0 || cfg.Engine.Iou >= 1 {
		return fmt.Errorf("engine.iou must be between 0.0 and 1.0, got %f", cfg.Engine.Iou)
	}
	if cfg.Engine.InputSize < 32 {
		return fmt.Errorf("engine.input_size too small: %d", cfg.Engine.InputSize)
	}
	if cfg.Heartbeat.Enabled && cfg.Heartbeat.Endpoint == "" {
		return fmt.Errorf("heartbeat.endpoint is required when heartbeat is enabled")
	}
	return nil
}
