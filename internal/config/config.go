package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/furiosa-ai/furiosa-device-reset/internal/hw_reset"
	"github.com/furiosa-ai/furiosa-device-reset/internal/orchestrator"
	"github.com/furiosa-ai/furiosa-device-reset/internal/resource_lifecycle"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "/etc/furiosa-device-reset/config.yaml"

	initModeDRMStr          = "drm"
	initModePCIStr          = "pci"
	addressingUpstreamStr   = "upstream-port"
	bdfValidationTag        = "bdf"
	defaultWedgedFile       = "/var/lib/furiosa-device-reset/wedged"
	defaultRepairFile       = "memory_repair_pending"
	defaultCardBusDepth     = 2
	defaultResetTimeout     = 10 * time.Second
	defaultPollInterval     = time.Microsecond
	defaultSettleDelay      = 10 * time.Second
	defaultSlotPowerDelay   = 100 * time.Millisecond
	defaultMemoryRepairWait = 10 * time.Minute
)

type Config struct {
	InitMode            string              `yaml:"initMode" validate:"oneof=drm pci"`
	Devices             []string            `yaml:"devices" validate:"dive,bdf"`
	IntegratedDevices   []string            `yaml:"integratedDevices" validate:"dive,bdf"`
	SysfsRoot           string              `yaml:"sysfsRoot" validate:"required"`
	ProcfsRoot          string              `yaml:"procfsRoot" validate:"required"`
	ResetTimeout        time.Duration       `yaml:"resetTimeout" validate:"gt=0"`
	ProcessPollInterval time.Duration       `yaml:"processPollInterval" validate:"gt=0"`
	SettleDelay         time.Duration       `yaml:"settleDelay" validate:"gte=0"`
	SlotPowerDelay      time.Duration       `yaml:"slotPowerDelay" validate:"gte=0"`
	MemoryRepairDelay   time.Duration       `yaml:"memoryRepairDelay" validate:"gte=0"`
	WarmResetAddressing string              `yaml:"warmResetAddressing" validate:"oneof=upstream-port card-bus"`
	CardBusDepth        int                 `yaml:"cardBusDepth" validate:"min=1"`
	WedgedFile          string              `yaml:"wedgedFile" validate:"required"`
	RepairPendingFile   string              `yaml:"repairPendingFile" validate:"required"`
	Subsystems          map[string][]string `yaml:"subsystems"`
	DebugMode           bool                `yaml:"debugMode"`
}

// GetConfig reads the config file. A missing file yields the defaults.
func GetConfig(configPath string) (*Config, error) {
	confAsMap := map[string]interface{}{}
	if ensureConfigExist(configPath) {
		var err error
		confAsMap, err = readInConfigAsMap(configPath)
		if err != nil {
			return nil, err
		}
	}

	conf, err := convertToConfig(confAsMap)
	if err != nil {
		return nil, err
	}

	if err := validateConfig(conf); err != nil {
		return nil, err
	}

	return conf, nil
}

// GetConfigWithWatcher reads the config file and reports later writes to it on confUpdateChan
// until ctx is done.
func GetConfigWithWatcher(ctx context.Context, confUpdateChan chan<- fsnotify.Event, configPath string) (*Config, error) {
	conf, err := GetConfig(configPath)
	if err != nil {
		return nil, err
	}

	if err := WatchFiles(ctx, confUpdateChan, configPath); err != nil {
		return nil, err
	}

	return conf, nil
}

// WatchFiles reports writes and re-creations of the given files. The parent
// directories are watched so files replaced by rename are still seen.
func WatchFiles(ctx context.Context, events chan<- fsnotify.Event, filePaths ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := map[string]bool{}
	for _, filePath := range filePaths {
		watched[filepath.Clean(filePath)] = true
		if err := watcher.Add(filepath.Dir(filePath)); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !watched[filepath.Clean(event.Name)] {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					select {
					case events <- event:
					case <-ctx.Done():
						return
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return nil
}

func readInConfigAsMap(configFilePath string) (map[string]interface{}, error) {
	contents, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	err = yaml.Unmarshal(contents, &result)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]interface{}{}
	}

	return result, nil
}

func convertToConfig(confAsMap map[string]interface{}) (*Config, error) {
	conf := getDefaultConfig()

	v := viper.New()
	for key, val := range confAsMap {
		v.Set(key, val)
	}
	err := v.Unmarshal(&conf)
	if err != nil {
		return nil, err
	}
	return conf, nil
}

func validateConfig(conf *Config) error {
	validate := validator.New()
	if err := validate.RegisterValidation(bdfValidationTag, func(fl validator.FieldLevel) bool {
		return device.IsValidBDF(fl.Field().String())
	}); err != nil {
		return err
	}

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		conf := sl.Current().Interface().(Config)

		if conf.InitMode == initModePCIStr && len(conf.Devices) == 0 {
			// pci mode has nothing to enumerate
			sl.ReportError(conf.Devices, "Devices", "devices", "required", "")
		}

		for domain := range conf.Subsystems {
			if !resource_lifecycle.IsKnownDomain(domain) {
				sl.ReportError(conf.Subsystems, "Subsystems", "subsystems", "oneof", domain)
			}
		}
	}, Config{})

	return validate.Struct(conf)
}

func getDefaultConfig() *Config {
	return &Config{
		InitMode:            initModeDRMStr,
		SysfsRoot:           "/sys",
		ProcfsRoot:          "/proc",
		ResetTimeout:        defaultResetTimeout,
		ProcessPollInterval: defaultPollInterval,
		SettleDelay:         defaultSettleDelay,
		SlotPowerDelay:      defaultSlotPowerDelay,
		MemoryRepairDelay:   defaultMemoryRepairWait,
		WarmResetAddressing: addressingUpstreamStr,
		CardBusDepth:        defaultCardBusDepth,
		WedgedFile:          defaultWedgedFile,
		RepairPendingFile:   defaultRepairFile,
		DebugMode:           false,
	}
}

func ensureConfigExist(configPath string) bool {
	if configPath == "" {
		return false
	}

	if info, err := os.Stat(configPath); err != nil || info.IsDir() {
		return false
	}

	return true
}

// DeviceInitMode resolves the init mode once; callers pass the result on explicitly.
func (c *Config) DeviceInitMode() (device.InitMode, error) {
	return device.ParseInitMode(c.InitMode)
}

// HandlePatterns returns the configured globs per monitoring domain.
func (c *Config) HandlePatterns() map[resource_lifecycle.Domain][]string {
	patterns := make(map[resource_lifecycle.Domain][]string, len(c.Subsystems))
	for domain, globs := range c.Subsystems {
		patterns[resource_lifecycle.Domain(domain)] = globs
	}
	return patterns
}

func (c *Config) DiscoverOptions() (device.DiscoverOptions, error) {
	mode, err := c.DeviceInitMode()
	if err != nil {
		return device.DiscoverOptions{}, err
	}

	return device.DiscoverOptions{
		Mode:           mode,
		SysfsRoot:      c.SysfsRoot,
		Devices:        c.Devices,
		Integrated:     c.IntegratedDevices,
		HandlePatterns: c.HandlePatterns(),
	}, nil
}

func (c *Config) ExecutorConfig() (hw_reset.Config, error) {
	addressing, err := hw_reset.ParseAddressing(c.WarmResetAddressing)
	if err != nil {
		return hw_reset.Config{}, err
	}

	return hw_reset.Config{
		SysfsRoot:         c.SysfsRoot,
		SettleDelay:       c.SettleDelay,
		SlotPowerDelay:    c.SlotPowerDelay,
		MemoryRepairDelay: c.MemoryRepairDelay,
		Addressing:        addressing,
		CardBusDepth:      c.CardBusDepth,
		RepairPendingFile: c.RepairPendingFile,
	}, nil
}

func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		ResetTimeout: c.ResetTimeout,
		PollInterval: c.ProcessPollInterval,
	}
}
