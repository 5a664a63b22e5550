package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/podcastcapture/internal/mix"
)

const (
	inherited       = "inherited"
	profileSpecific = "profile-specific"
)

type DefinitionsConfig struct {
	Devices []DeviceDefinition `mapstructure:"devices" yaml:"devices"`
}

// DeviceDefinition names a capture device. For PipeWire, sources are JACK
// ports ("device:port"); for malgo, a single source is the device name.
type DeviceDefinition struct {
	ID        string   `mapstructure:"id" yaml:"id" validate:"required"`
	Name      string   `mapstructure:"name" yaml:"name" validate:"required"`
	Sources   []string `mapstructure:"sources" yaml:"sources" validate:"required,min=1,max=2"`
	AudioMode string   `mapstructure:"audioMode" yaml:"audioMode" validate:"omitempty,oneof=mono stereo"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory  string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
	BackgroundsDirectory string `mapstructure:"backgrounds_directory" yaml:"backgrounds_directory"`
}

type RootConfig struct {
	ActiveConfig             string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals                  *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Audio                    *AudioConfig              `mapstructure:"audio,omitempty" yaml:"audio,omitempty"`
	Definitions              *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs                  map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
	SupportedAudioExtensions []string                  `mapstructure:"supported_audio_extensions" yaml:"supported_audio_extensions,omitempty"`
}

// Config is a fully resolved profile.
type Config struct {
	Profile string        `mapstructure:"-" yaml:"profile"`
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Device  Device        `mapstructure:"device" yaml:"device"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Mix     MixConfig     `mapstructure:"mix" yaml:"mix"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Audio   AudioConfig    `mapstructure:"audio" yaml:"audio,omitempty"`
	Capture CaptureProfile `mapstructure:"capture" yaml:"capture,omitempty"`
	Mix     MixProfile     `mapstructure:"mix" yaml:"mix,omitempty"`
	Output  OutputConfig   `mapstructure:"output" yaml:"output,omitempty"`
	Logging LoggingConfig  `mapstructure:"logging" yaml:"logging,omitempty"`
}

type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate,omitempty" validate:"omitempty,min=8000,max=192000"`
	Backend    string `mapstructure:"backend" yaml:"backend,omitempty" validate:"omitempty,oneof=pipewire malgo auto"`
}

// Device is a resolved device definition.
type Device struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Sources   []string `yaml:"sources"`
	AudioMode string   `yaml:"audioMode"`
}

// Channels returns the number of capture channels for the device.
func (d Device) Channels() int {
	if d.AudioMode == "stereo" {
		return 2
	}
	return 1
}

type CaptureProfile struct {
	Device         string        `mapstructure:"device" yaml:"device,omitempty"`
	Container      string        `mapstructure:"container" yaml:"container,omitempty" validate:"omitempty,oneof=webm ogg"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout,omitempty" validate:"omitempty,min=0"`
	ChunkSize      int           `mapstructure:"chunk_size" yaml:"chunk_size,omitempty" validate:"omitempty,min=512"`
}

type CaptureConfig struct {
	Container      string        `mapstructure:"container" yaml:"container" validate:"required,oneof=webm ogg"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout" validate:"required,gt=0"`
	ChunkSize      int           `mapstructure:"chunk_size" yaml:"chunk_size" validate:"required,min=512"`
}

// MixProfile uses pointers so that an explicit zero gain is distinguishable
// from an inherited value.
type MixProfile struct {
	VoiceGain      *float64 `mapstructure:"voice_gain,omitempty" yaml:"voice_gain,omitempty" validate:"omitempty,min=0,max=4"`
	BackgroundGain *float64 `mapstructure:"background_gain,omitempty" yaml:"background_gain,omitempty" validate:"omitempty,min=0,max=4"`
	LoopBackground *bool    `mapstructure:"loop_background,omitempty" yaml:"loop_background,omitempty"`
	Background     string   `mapstructure:"background" yaml:"background,omitempty"`
}

type MixConfig struct {
	VoiceGain      float64 `mapstructure:"voice_gain" yaml:"voice_gain" validate:"min=0,max=4"`
	BackgroundGain float64 `mapstructure:"background_gain" yaml:"background_gain" validate:"min=0,max=4"`
	LoopBackground bool    `mapstructure:"loop_background" yaml:"loop_background"`
	Background     string  `mapstructure:"background" yaml:"background,omitempty"`
}

// Options converts the mix section for the renderer.
func (m MixConfig) Options(sampleRate int) mix.Options {
	return mix.Options{
		VoiceGain:      m.VoiceGain,
		BackgroundGain: m.BackgroundGain,
		Loop:           m.LoopBackground,
		SampleRate:     sampleRate,
	}
}

type OutputConfig struct {
	Directory            string `mapstructure:"directory" yaml:"directory,omitempty"`
	BackgroundsDirectory string `mapstructure:"backgrounds_directory" yaml:"backgrounds_directory,omitempty"`
}

type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb,omitempty" validate:"omitempty,min=1"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups,omitempty" validate:"omitempty,min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days,omitempty" validate:"omitempty,min=0"`
	Compress   bool   `mapstructure:"compress" yaml:"compress,omitempty"`
}

type InheritanceInfo struct {
	Audio struct {
		SampleRate string // "inherited" or "profile-specific"
		Backend    string
	}
	Capture struct {
		Device         string
		Container      string
		AcquireTimeout string
		ChunkSize      string
	}
	Mix struct {
		VoiceGain      string
		BackgroundGain string
		LoopBackground string
		Background     string
	}
	Output struct {
		Directory string
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Profile: "default",
		Audio: AudioConfig{
			SampleRate: 48000,
			Backend:    "auto",
		},
		Device: Device{ID: "default", Name: "default", AudioMode: "mono"},
		Capture: CaptureConfig{
			Container:      "webm",
			AcquireTimeout: 10 * time.Second,
			ChunkSize:      4096,
		},
		Mix: MixConfig{
			VoiceGain:      1.0,
			BackgroundGain: 0.4,
			LoopBackground: true,
		},
		Output: OutputConfig{
			Directory:            filepath.Join(home, "Audio", "PodcastCapture"),
			BackgroundsDirectory: filepath.Join(home, "Audio", "PodcastCapture", "Backgrounds"),
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadWithProfile reads configFile and resolves profile (or active_config,
// or "default") on top of the default profile and built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Global audio settings sit between the built-in defaults and profiles.
	base := Default()
	if rootConfig.Audio != nil {
		if rootConfig.Audio.SampleRate != 0 {
			base.Audio.SampleRate = rootConfig.Audio.SampleRate
		}
		if rootConfig.Audio.Backend != "" {
			base.Audio.Backend = rootConfig.Audio.Backend
		}
	}

	if configName != "default" {
		if defaultProfile, ok := rootConfig.Configs["default"]; ok {
			base = mergeProfile(base, defaultProfile)
		}
	}
	selected := mergeProfile(base, selectedProfile)
	selected.Profile = configName

	if rootConfig.Globals != nil {
		if dir := rootConfig.Globals.Output.RecordingsDirectory; dir != "" {
			selected.Output.Directory = dir
		}
		if dir := rootConfig.Globals.Output.BackgroundsDirectory; dir != "" {
			selected.Output.BackgroundsDirectory = dir
		}
	}

	deviceRef := selectedProfile.Capture.Device
	if deviceRef == "" {
		if defaultProfile, ok := rootConfig.Configs["default"]; ok {
			deviceRef = defaultProfile.Capture.Device
		}
	}
	device, err := resolveDevice(deviceRef, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}
	selected.Device = device

	selected.Output.Directory = expandPath(selected.Output.Directory)
	selected.Output.BackgroundsDirectory = expandPath(selected.Output.BackgroundsDirectory)
	selected.Logging.File = expandPath(selected.Logging.File)

	if err := selected.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return selected, nil
}

// Validate checks a resolved configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate is required")
	}
	for i, source := range c.Device.Sources {
		if !isValidAudioSource(source) {
			return fmt.Errorf("device '%s' source[%d] must be a valid audio source, got: %s", c.Device.ID, i, source)
		}
	}
	return nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
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

// WriteDefault writes a starter configuration file. It refuses to overwrite.
func WriteDefault(configFile string) error {
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file %s already exists", configFile)
	}

	def := Default()
	voice, background, loop := def.Mix.VoiceGain, def.Mix.BackgroundGain, def.Mix.LoopBackground
	root := RootConfig{
		ActiveConfig: "default",
		Audio:        &AudioConfig{SampleRate: def.Audio.SampleRate, Backend: def.Audio.Backend},
		Definitions: &DefinitionsConfig{Devices: []DeviceDefinition{
			{ID: "mic", Name: "microphone", Sources: []string{"system:capture_1"}, AudioMode: "mono"},
		}},
		Configs: map[string]*ConfigProfile{
			"default": {
				Capture: CaptureProfile{
					Device:         "mic",
					Container:      def.Capture.Container,
					AcquireTimeout: def.Capture.AcquireTimeout,
					ChunkSize:      def.Capture.ChunkSize,
				},
				Mix: MixProfile{VoiceGain: &voice, BackgroundGain: &background, LoopBackground: &loop},
				Output: OutputConfig{
					Directory:            "~/Audio/PodcastCapture",
					BackgroundsDirectory: "~/Audio/PodcastCapture/Backgrounds",
				},
			},
		},
		SupportedAudioExtensions: defaultAudioExtensions,
	}

	out, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(configFile, out, 0644)
}

// mergeProfile applies the non-zero fields of profile on top of base and
// records where every value came from.
func mergeProfile(base *Config, profile *ConfigProfile) *Config {
	result := *base
	result.Device.Sources = append([]string(nil), base.Device.Sources...)
	info := &InheritanceInfo{}
	info.Audio.SampleRate = inherited
	info.Audio.Backend = inherited
	info.Capture.Device = inherited
	info.Capture.Container = inherited
	info.Capture.AcquireTimeout = inherited
	info.Capture.ChunkSize = inherited
	info.Mix.VoiceGain = inherited
	info.Mix.BackgroundGain = inherited
	info.Mix.LoopBackground = inherited
	info.Mix.Background = inherited
	info.Output.Directory = inherited
	result.Inheritance = info

	if profile == nil {
		return &result
	}

	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
		info.Audio.SampleRate = profileSpecific
	}
	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
		info.Audio.Backend = profileSpecific
	}

	if profile.Capture.Device != "" {
		info.Capture.Device = profileSpecific
	}
	if profile.Capture.Container != "" {
		result.Capture.Container = profile.Capture.Container
		info.Capture.Container = profileSpecific
	}
	if profile.Capture.AcquireTimeout != 0 {
		result.Capture.AcquireTimeout = profile.Capture.AcquireTimeout
		info.Capture.AcquireTimeout = profileSpecific
	}
	if profile.Capture.ChunkSize != 0 {
		result.Capture.ChunkSize = profile.Capture.ChunkSize
		info.Capture.ChunkSize = profileSpecific
	}

	if profile.Mix.VoiceGain != nil {
		result.Mix.VoiceGain = *profile.Mix.VoiceGain
		info.Mix.VoiceGain = profileSpecific
	}
	if profile.Mix.BackgroundGain != nil {
		result.Mix.BackgroundGain = *profile.Mix.BackgroundGain
		info.Mix.BackgroundGain = profileSpecific
	}
	if profile.Mix.LoopBackground != nil {
		result.Mix.LoopBackground = *profile.Mix.LoopBackground
		info.Mix.LoopBackground = profileSpecific
	}
	if profile.Mix.Background != "" {
		result.Mix.Background = profile.Mix.Background
		info.Mix.Background = profileSpecific
	}

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		info.Output.Directory = profileSpecific
	}
	if profile.Output.BackgroundsDirectory != "" {
		result.Output.BackgroundsDirectory = profile.Output.BackgroundsDirectory
	}

	if profile.Logging.File != "" {
		result.Logging.File = profile.Logging.File
	}
	if profile.Logging.MaxSizeMB != 0 {
		result.Logging.MaxSizeMB = profile.Logging.MaxSizeMB
	}
	if profile.Logging.MaxBackups != 0 {
		result.Logging.MaxBackups = profile.Logging.MaxBackups
	}
	if profile.Logging.MaxAgeDays != 0 {
		result.Logging.MaxAgeDays = profile.Logging.MaxAgeDays
	}
	if profile.Logging.Compress {
		result.Logging.Compress = true
	}

	return &result
}

// resolveDevice finds ref in definitions. An empty ref selects the system
// default capture device.
func resolveDevice(ref string, definitions *DefinitionsConfig) (Device, error) {
	if ref == "" {
		return Device{ID: "default", Name: "default", AudioMode: "mono"}, nil
	}
	if definitions != nil {
		for _, def := range definitions.Devices {
			if def.ID == ref {
				mode := def.AudioMode
				if mode == "" {
					mode = "mono"
				}
				return Device{
					ID:        def.ID,
					Name:      def.Name,
					Sources:   append([]string(nil), def.Sources...),
					AudioMode: mode,
				}, nil
			}
		}
	}
	return Device{}, fmt.Errorf("capture.device: reference '%s' not found in definitions", ref)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// isValidAudioSource checks if a source name is valid for JACK/PipeWire or
// a plain device name
func isValidAudioSource(source string) bool {
	source = strings.TrimSpace(source)
	if source == "" {
		return false
	}

	if strings.Contains(source, ":") {
		// Device names may contain colons, the port is after the last one.
		lastColonIndex := strings.LastIndex(source, ":")
		deviceName := strings.TrimSpace(source[:lastColonIndex])
		port := strings.TrimSpace(source[lastColonIndex+1:])
		return len(deviceName) > 0 && len(port) > 0
	}

	return true
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("PODCASTCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	// AutomaticEnv only applies to keys read through Get.
	if active := v.GetString("active_config"); active != "" {
		rootConfig.ActiveConfig = active
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required and cannot be empty")
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validateProfile(configProfile, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Devices {
		prefix := fmt.Sprintf("definitions.devices[%d]", i)
		if err := validate.Struct(def); err != nil {
			return fmt.Errorf("%s: %w", prefix, formatValidationError(err))
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		expectedSources := 1
		if def.AudioMode == "stereo" {
			expectedSources = 2
		}
		if len(def.Sources) != expectedSources {
			mode := def.AudioMode
			if mode == "" {
				mode = "mono"
			}
			return fmt.Errorf("%s: audioMode '%s' requires exactly %d source(s), got %d",
				prefix, mode, expectedSources, len(def.Sources))
		}

		for j, source := range def.Sources {
			if !isValidAudioSource(source) {
				return fmt.Errorf("%s: source[%d] must be a valid audio source, got: %s", prefix, j, source)
			}
		}
	}
	return nil
}

// validateProfile checks field ranges and the device reference of a profile
func validateProfile(profile *ConfigProfile, definitions *DefinitionsConfig) error {
	if err := validate.Struct(profile); err != nil {
		return formatValidationError(err)
	}
	if profile.Capture.AcquireTimeout < 0 {
		return fmt.Errorf("capture.acquire_timeout must be >= 0, got %s", profile.Capture.AcquireTimeout)
	}
	if profile.Capture.Device != "" {
		if _, err := resolveDevice(profile.Capture.Device, definitions); err != nil {
			return err
		}
	}
	return nil
}

// formatValidationError flattens validator errors into one readable line.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s=%s' (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

var defaultAudioExtensions = []string{"wav", "mp3", "ogg", "opus", "webm", "flac", "m4a"}

// GetSupportedAudioExtensions returns the supported audio extensions from config or defaults
func GetSupportedAudioExtensions(configFile string) []string {
	if configFile == "" {
		return defaultAudioExtensions
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return defaultAudioExtensions
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return defaultAudioExtensions
	}

	if len(rootConfig.SupportedAudioExtensions) == 0 {
		return defaultAudioExtensions
	}

	return rootConfig.SupportedAudioExtensions
}
