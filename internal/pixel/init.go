package pixel

import (
	"os"
	"sync"

	"github.com/austindbirch/pier39_pixel/internal/config"
	"github.com/austindbirch/pier39_pixel/internal/delivery"
	"github.com/austindbirch/pier39_pixel/internal/logging"
)

// InitConfig is everything needed to build an SDK
type InitConfig struct {
	Pixel    config.PixelConfig
	Logger   *logging.Logger // nil means console output tagged with the pixel config
	Sessions SessionSource
	Page     Page
	Sender   Sender // nil means a delivery.Client for the environment
	Client   []delivery.Option
}

// Initializer builds at most one SDK. Later calls get the same instance.
type Initializer struct {
	mu       sync.Mutex
	instance *SDK
}

func NewInitializer() *Initializer {
	return &Initializer{}
}

// Initialize validates the environment, then returns the existing SDK if there
// is one. A second configuration is never applied.
func (i *Initializer) Initialize(cfg InitConfig) (*SDK, error) {
	pc := cfg.Pixel.WithDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(PixelName,
			logging.WithHandlers(logging.NewConsoleHandler(os.Stdout)),
			logging.WithMetadata(map[string]any{
				"isTestMode":  pc.IsTestMode,
				"environment": pc.Environment,
			}),
		)
	}

	env, err := config.LookupEnvironment(pc.Environment)
	if err != nil {
		logger.Plain().WithField("environment", pc.Environment).WithError(err).
			Error("Failed to initialize SDK - Invalid environment")
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.instance != nil {
		return i.instance, nil
	}

	sender := cfg.Sender
	if sender == nil {
		sender = delivery.NewClient(env, logger, cfg.Client...)
	}
	i.instance = New(SDKConfig{Env: env, IsTestMode: pc.IsTestMode}, logger, sender, cfg.Sessions, cfg.Page)
	return i.instance, nil
}

// Instance returns the SDK built so far, or nil
func (i *Initializer) Instance() *SDK {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.instance
}
