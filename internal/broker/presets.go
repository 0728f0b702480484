package broker

import (
	"log/slog"

	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/internal/creds"
)

// The vendor constructors share the REST adapter; what differs is the
// default endpoint when config leaves base_url empty. Sandbox routing is
// per-account-group, so the same backend name can serve both demo and
// funded accounts through two adapter instances.

const (
	tradovateLiveURL    = "https://live.tradovateapi.com/v1"
	tradovateDemoURL    = "https://demo.tradovateapi.com/v1"
	tastytradeLiveURL   = "https://api.tastyworks.com"
	tastytradeDemoURL   = "https://api.cert.tastyworks.com"
	schwabLiveURL       = "https://api.schwabapi.com/trader/v1"
	topstepxLiveURL     = "https://api.topstepx.com/api"
	topstepxGatewayDemo = "https://gateway-api-demo.s2f.projectx.com/api"
)

func withDefaults(cfg config.Broker, live, demo string) config.Broker {
	if cfg.BaseURL == "" {
		cfg.BaseURL = live
	}
	if cfg.SandboxURL == "" {
		cfg.SandboxURL = demo
	}
	return cfg
}

// NewTradovate builds the Tradovate futures adapter.
func NewTradovate(cfg config.Broker, sandbox bool, cs *creds.Store, logger *slog.Logger) Broker {
	return newRESTAdapter("tradovate", withDefaults(cfg, tradovateLiveURL, tradovateDemoURL), sandbox, cs, logger)
}

// NewTastytrade builds the Tastytrade adapter (futures and equities).
func NewTastytrade(cfg config.Broker, sandbox bool, cs *creds.Store, logger *slog.Logger) Broker {
	return newRESTAdapter("tastytrade", withDefaults(cfg, tastytradeLiveURL, tastytradeDemoURL), sandbox, cs, logger)
}

// NewSchwab builds the Charles Schwab equities adapter. Schwab has no
// public sandbox, so sandbox routing falls back to the live URL and the
// caller is expected to use a simulator group instead.
func NewSchwab(cfg config.Broker, sandbox bool, cs *creds.Store, logger *slog.Logger) Broker {
	return newRESTAdapter("schwab", withDefaults(cfg, schwabLiveURL, schwabLiveURL), sandbox, cs, logger)
}

// NewTopstepX builds the TopstepX funded-account adapter.
func NewTopstepX(cfg config.Broker, sandbox bool, cs *creds.Store, logger *slog.Logger) Broker {
	return newRESTAdapter("topstepx", withDefaults(cfg, topstepxLiveURL, topstepxGatewayDemo), sandbox, cs, logger)
}

// New resolves a backend name to its constructor.
func New(name string, cfg config.Broker, sandbox bool, cs *creds.Store, logger *slog.Logger) (Broker, bool) {
	switch name {
	case "tradovate":
		return NewTradovate(cfg, sandbox, cs, logger), true
	case "tastytrade":
		return NewTastytrade(cfg, sandbox, cs, logger), true
	case "schwab":
		return NewSchwab(cfg, sandbox, cs, logger), true
	case "topstepx":
		return NewTopstepX(cfg, sandbox, cs, logger), true
	default:
		return nil, false
	}
}
