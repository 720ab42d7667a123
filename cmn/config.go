package cmn

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

const VERSION = "0.1.0"
const CONFIG_NAME = "stakeboard.yaml"

var ConfPath = CONFIG_NAME

// ConfirmPolicy selects when a write is considered resolved.
type ConfirmPolicy string

const (
	ConfirmOnBroadcast ConfirmPolicy = "broadcast" // resolve once the tx is broadcast
	ConfirmOnReceipt   ConfirmPolicy = "receipt"   // resolve once the tx is mined
)

type ChainOverride struct {
	ChainId uint64 `yaml:"chain_id"`
	Url     string `yaml:"url"`
}

type SConfig struct {
	Verbosity     string          `yaml:"verbosity"`      // log verbosity
	KeyFile       string          `yaml:"key_file"`       // hex private key file; empty = read-only
	ConfirmPolicy ConfirmPolicy   `yaml:"confirm_policy"` // broadcast | receipt
	RefetchDelay  time.Duration   `yaml:"refetch_delay"`  // post-broadcast refetch delay
	PollInterval  time.Duration   `yaml:"poll_interval"`  // periodic snapshot refresh
	WSEnabled     bool            `yaml:"ws_enabled"`     // enable WebSocket push server
	WSPort        int             `yaml:"ws_port"`        // WebSocket server port
	Chains        []ChainOverride `yaml:"chains"`         // RPC URL overrides
}

var Config *SConfig = &SConfig{ // default config
	Verbosity:     "info",
	ConfirmPolicy: ConfirmOnBroadcast,
	RefetchDelay:  2 * time.Second,
	PollInterval:  30 * time.Second,
	WSEnabled:     true,
	WSPort:        9441,
}

func InitConfig(path string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if path != "" {
		ConfPath = path
	}

	err := RestoreConfig(ConfPath)
	if err != nil {
		log.Error().Msgf("error restoring config: %v", err)
	}

	switch Config.Verbosity {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msgf("Log level: %s", Config.Verbosity)
}

func RestoreConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// it is ok. Let's use default config
			log.Warn().Msgf("no config file found: %v", err)
			return nil
		}
		return err
	}

	return yaml.Unmarshal(data, Config)
}

func SaveConfig() error {
	data, err := yaml.Marshal(Config)
	if err != nil {
		return err
	}

	return os.WriteFile(ConfPath, data, 0666)
}
