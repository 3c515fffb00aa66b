package config

import (
	"log"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/shellgate"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	// RegistrationToken authenticates host agents calling the register and
	// heartbeat endpoints. Empty disables agent registration.
	RegistrationToken string `envconfig:"REGISTRATION_TOKEN" default:""`

	// Relay settings
	HandshakeTimeout string `envconfig:"HANDSHAKE_TIMEOUT" default:"30s"`
	SSHDialTimeout   string `envconfig:"SSH_DIAL_TIMEOUT" default:"10s"`

	// Maintenance settings
	HostOfflineAfter string `envconfig:"HOST_OFFLINE_AFTER" default:"2m"`
	AuditRetention   string `envconfig:"AUDIT_RETENTION" default:"2160h"` // 90 days
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SHELLGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "shellgate.db")
	}
}
