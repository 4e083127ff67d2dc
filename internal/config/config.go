package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/streamcapture/internal/encode"
)

const (
	EnvPrefix      = "STREAMCAPTURE"
	DefaultProfile = "default"
)

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

// RootConfig is the file layout: shared globals plus named profiles.
type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Configs      map[string]map[string]any `mapstructure:"configs" yaml:"configs"`
}

// Config is one resolved profile.
type Config struct {
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Station   StationConfig   `mapstructure:"station" yaml:"station"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`

	// Profile is the name the config was resolved from.
	Profile string `mapstructure:"-" yaml:"-"`
	// Inheritance maps each key to "inherited" or "profile-specific".
	Inheritance map[string]string `mapstructure:"-" yaml:"-"`
}

type AudioConfig struct {
	SampleRate    int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels      int           `mapstructure:"channels" yaml:"channels"`
	FrameDuration time.Duration `mapstructure:"frame_duration" yaml:"frame_duration"`
	FFmpegPath    string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// Monitor plays the stream locally: off, auto, pipewire or alsa.
	Monitor       string `mapstructure:"monitor" yaml:"monitor"`
	MonitorTarget string `mapstructure:"monitor_target" yaml:"monitor_target"`
}

type RecordingConfig struct {
	AutoRecord      bool          `mapstructure:"auto_record" yaml:"auto_record"`
	AutoSave        bool          `mapstructure:"auto_save" yaml:"auto_save"`
	PreRoll         time.Duration `mapstructure:"pre_roll" yaml:"pre_roll"`
	PostRoll        time.Duration `mapstructure:"post_roll" yaml:"post_roll"`
	Debounce        time.Duration `mapstructure:"debounce" yaml:"debounce"`
	MinTrackLength  time.Duration `mapstructure:"min_track_length" yaml:"min_track_length"`
	Lookback        time.Duration `mapstructure:"lookback" yaml:"lookback"`
	MinRecording    time.Duration `mapstructure:"min_recording" yaml:"min_recording"`
	MaxRecording    time.Duration `mapstructure:"max_recording" yaml:"max_recording"`
	SaveDeadline    time.Duration `mapstructure:"save_deadline" yaml:"save_deadline"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MaxPending      int           `mapstructure:"max_pending" yaml:"max_pending"`
	BufferHardCapMB int           `mapstructure:"buffer_hard_cap_mb" yaml:"buffer_hard_cap_mb"`
	BufferSlack     time.Duration `mapstructure:"buffer_slack" yaml:"buffer_slack"`
	Analysis        string        `mapstructure:"analysis" yaml:"analysis"`
	SilenceDB       float64       `mapstructure:"silence_db" yaml:"silence_db"`
}

type OutputConfig struct {
	Directory      string `mapstructure:"directory" yaml:"directory"`
	CacheDirectory string `mapstructure:"cache_directory" yaml:"cache_directory"`
	Format         string `mapstructure:"format" yaml:"format"`
	Bitrate        string `mapstructure:"bitrate" yaml:"bitrate"`
}

type StationConfig struct {
	APIServers []string      `mapstructure:"api_servers" yaml:"api_servers"`
	UserAgent  string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// DefaultPath is where the config file lives unless --config says otherwise.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/streamcapture.yaml")
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.frame_duration", "20ms")
	v.SetDefault("audio.ffmpeg_path", "")
	v.SetDefault("audio.idle_timeout", "30s")
	v.SetDefault("audio.monitor", "off")
	v.SetDefault("audio.monitor_target", "")

	v.SetDefault("recording.auto_record", true)
	v.SetDefault("recording.auto_save", false)
	v.SetDefault("recording.pre_roll", "8s")
	v.SetDefault("recording.post_roll", "3s")
	v.SetDefault("recording.debounce", "2s")
	v.SetDefault("recording.min_track_length", "5s")
	v.SetDefault("recording.lookback", "3s")
	v.SetDefault("recording.min_recording", "10s")
	v.SetDefault("recording.max_recording", "10m")
	v.SetDefault("recording.save_deadline", "15s")
	v.SetDefault("recording.sweep_interval", "1s")
	v.SetDefault("recording.max_pending", 20)
	v.SetDefault("recording.buffer_hard_cap_mb", 64)
	v.SetDefault("recording.buffer_slack", "4s")
	v.SetDefault("recording.analysis", "auto")
	v.SetDefault("recording.silence_db", -40.0)

	v.SetDefault("output.directory", filepath.Join(home, "Music", "Radio Recordings"))
	v.SetDefault("output.cache_directory", filepath.Join(os.TempDir(), "streamcapture-cache"))
	v.SetDefault("output.format", encode.FormatOGG)
	v.SetDefault("output.bitrate", "192k")

	v.SetDefault("station.api_servers", []string{})
	v.SetDefault("station.user_agent", "streamcapture/1.0")
	v.SetDefault("station.timeout", "10s")

	v.SetDefault("server.port", 8089)
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("built-in config does not decode: %v", err))
	}
	cfg.Profile = DefaultProfile
	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	return cfg
}

// LoadWithProfile resolves a profile from configFile. The empty profile
// means the file's active_config. A missing file yields the built-in
// defaults; environment variables (STREAMCAPTURE_RECORDING_AUTO_SAVE, ...)
// override both.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	file := viper.New()
	if configFile != "" {
		file.SetConfigFile(configFile)
		if err := file.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	var root RootConfig
	if err := file.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	name := profile
	if name == "" {
		name = root.ActiveConfig
	}
	if name == "" {
		name = DefaultProfile
	}
	selected, exists := root.Configs[name]
	if !exists && name != DefaultProfile {
		return nil, fmt.Errorf("configuration profile '%s' not found", name)
	}

	resolved := viper.New()
	setDefaults(resolved)
	if base, ok := root.Configs[DefaultProfile]; ok {
		if err := resolved.MergeConfigMap(base); err != nil {
			return nil, fmt.Errorf("error merging default configuration: %w", err)
		}
	}
	if name != DefaultProfile {
		if err := resolved.MergeConfigMap(selected); err != nil {
			return nil, fmt.Errorf("error merging configuration profile '%s': %w", name, err)
		}
	}
	resolved.SetEnvPrefix(EnvPrefix)
	resolved.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	resolved.AutomaticEnv()

	cfg := &Config{}
	if err := resolved.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", name, err)
	}
	cfg.Profile = name
	cfg.Inheritance = inheritance(resolved, selected)

	// Global recordings directory takes priority over the profile's.
	if root.Globals != nil && root.Globals.Output.RecordingsDirectory != "" {
		cfg.Output.Directory = root.Globals.Output.RecordingsDirectory
		cfg.Inheritance["output.directory"] = "global"
	}
	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Output.CacheDirectory = expandPath(cfg.Output.CacheDirectory)
	cfg.Audio.FFmpegPath = expandPath(cfg.Audio.FFmpegPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func inheritance(resolved *viper.Viper, profile map[string]any) map[string]string {
	own := viper.New()
	if profile != nil {
		own.MergeConfigMap(profile)
	}
	out := make(map[string]string)
	for _, key := range resolved.AllKeys() {
		if own.IsSet(key) {
			out[key] = "profile-specific"
		} else {
			out[key] = "inherited"
		}
	}
	return out
}

// Profiles lists the profile names in configFile, sorted.
func Profiles(configFile string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	names := make([]string, 0)
	for name := range v.GetStringMap("configs") {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// UpdateActiveConfig updates the active_config field in the config file.
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}
	names, err := Profiles(configFile)
	if err != nil {
		return err
	}
	if newActiveConfig != DefaultProfile && !slices.Contains(names, newActiveConfig) {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	v.Set("active_config", newActiveConfig)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// SetProfileValue writes one key (such as "recording.auto_save") into a
// profile, creating the file when it does not exist yet.
func SetProfileValue(configFile, profile, key string, value any) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}
	if profile == "" {
		profile = DefaultProfile
	}
	probe := viper.New()
	setDefaults(probe)
	if !slices.Contains(probe.AllKeys(), key) {
		return fmt.Errorf("unknown config key: %s", key)
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	v.Set("configs."+profile+"."+key, value)
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := v.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate reports the first setting the engine cannot run with.
func (c *Config) Validate() error {
	a := c.Audio
	if a.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0, got: %d", a.SampleRate)
	}
	if a.Channels < 1 || a.Channels > 8 {
		return fmt.Errorf("audio.channels must be between 1 and 8, got: %d", a.Channels)
	}
	if a.FrameDuration < 5*time.Millisecond || a.FrameDuration > time.Second {
		return fmt.Errorf("audio.frame_duration must be between 5ms and 1s, got: %s", a.FrameDuration)
	}
	if a.IdleTimeout <= 0 {
		return fmt.Errorf("audio.idle_timeout must be > 0, got: %s", a.IdleTimeout)
	}
	if !slices.Contains([]string{"off", "auto", "pipewire", "alsa"}, strings.ToLower(a.Monitor)) {
		return fmt.Errorf("audio.monitor must be one of off, auto, pipewire, alsa, got: %s", a.Monitor)
	}

	r := c.Recording
	if r.PreRoll <= 0 {
		return fmt.Errorf("recording.pre_roll must be > 0, got: %s", r.PreRoll)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"recording.post_roll", r.PostRoll},
		{"recording.debounce", r.Debounce},
		{"recording.min_track_length", r.MinTrackLength},
		{"recording.lookback", r.Lookback},
		{"recording.min_recording", r.MinRecording},
		{"recording.buffer_slack", r.BufferSlack},
	} {
		if d.value < 0 {
			return fmt.Errorf("%s must be >= 0, got: %s", d.name, d.value)
		}
	}
	if r.MaxRecording <= r.PreRoll+r.PostRoll {
		return fmt.Errorf("recording.max_recording must be longer than pre_roll + post_roll, got: %s", r.MaxRecording)
	}
	if r.SaveDeadline <= 0 {
		return fmt.Errorf("recording.save_deadline must be > 0, got: %s", r.SaveDeadline)
	}
	if r.SweepInterval <= 0 {
		return fmt.Errorf("recording.sweep_interval must be > 0, got: %s", r.SweepInterval)
	}
	if r.MaxPending <= 0 {
		return fmt.Errorf("recording.max_pending must be > 0, got: %d", r.MaxPending)
	}
	if r.BufferHardCapMB <= 0 {
		return fmt.Errorf("recording.buffer_hard_cap_mb must be > 0, got: %d", r.BufferHardCapMB)
	}
	if r.Analysis != "auto" && r.Analysis != "off" {
		return fmt.Errorf("recording.analysis must be 'auto' or 'off', got: %s", r.Analysis)
	}
	if r.SilenceDB >= 0 {
		return fmt.Errorf("recording.silence_db must be < 0, got: %.1f", r.SilenceDB)
	}

	o := c.Output
	if strings.TrimSpace(o.Directory) == "" {
		return fmt.Errorf("output.directory is required")
	}
	if strings.TrimSpace(o.CacheDirectory) == "" {
		return fmt.Errorf("output.cache_directory is required")
	}
	if !slices.Contains(encode.Formats, strings.ToLower(o.Format)) {
		return fmt.Errorf("output.format must be one of %s, got: %s", strings.Join(encode.Formats, ", "), o.Format)
	}

	if c.Station.Timeout <= 0 {
		return fmt.Errorf("station.timeout must be > 0, got: %s", c.Station.Timeout)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	return nil
}
