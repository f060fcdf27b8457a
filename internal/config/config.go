package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":23000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/termhub"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	CrashLogPath string `envconfig:"CRASH_LOG_PATH" default:""`

	// Session lifecycle
	IdleThreshold       time.Duration `envconfig:"IDLE_THRESHOLD" default:"30s"`
	CleanupGrace        time.Duration `envconfig:"CLEANUP_GRACE" default:"30s"`
	OrphanSweepInterval time.Duration `envconfig:"ORPHAN_SWEEP_INTERVAL" default:"5m"`
	MaxSpawnRetries     int           `envconfig:"MAX_SPAWN_RETRIES" default:"3"`
	SpawnRetryDelay     time.Duration `envconfig:"SPAWN_RETRY_DELAY" default:"500ms"`
	KillEscalation      time.Duration `envconfig:"KILL_ESCALATION" default:"3s"`
	HistoryLines        int           `envconfig:"HISTORY_LINES" default:"2000"`
	TerminalBufferBytes int           `envconfig:"TERMINAL_BUFFER_BYTES" default:"262144"`
	ClientWriteTimeout  time.Duration `envconfig:"CLIENT_WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout     time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`

	// Session output logging
	SessionLogging bool   `envconfig:"SESSION_LOGGING" default:"false"`
	SessionLogDir  string `envconfig:"SESSION_LOG_DIR" default:""`

	// Remote hosts
	SelfHostID    string          `envconfig:"SELF_HOST_ID" default:"local"`
	HostsFile     string          `envconfig:"HOSTS_FILE" default:""`
	RemoteBackoff []time.Duration `envconfig:"REMOTE_BACKOFF" default:"500ms,1s,2s,3s,5s"`

	// Runtime
	TmuxBinary string `envconfig:"TMUX_BINARY" default:"tmux"`
	TmuxSocket string `envconfig:"TMUX_SOCKET" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMHUB", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg.applyDerived()
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// applyDerived fills paths that default to locations under DataPath.
func (s *Settings) applyDerived() {
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "termhub.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "termhub.log")
	}
	if s.CrashLogPath == "" {
		s.CrashLogPath = filepath.Join(s.DataPath, "crash.log")
	}
	if s.SessionLogDir == "" {
		s.SessionLogDir = filepath.Join(s.DataPath, "sessions")
	}
}

// Validate rejects settings that would make the session lifecycle misbehave.
func (s *Settings) Validate() error {
	if s.MaxSpawnRetries < 1 {
		return fmt.Errorf("MAX_SPAWN_RETRIES must be at least 1, got %d", s.MaxSpawnRetries)
	}
	if s.CleanupGrace <= 0 {
		return fmt.Errorf("CLEANUP_GRACE must be positive, got %s", s.CleanupGrace)
	}
	if s.IdleThreshold <= 0 {
		return fmt.Errorf("IDLE_THRESHOLD must be positive, got %s", s.IdleThreshold)
	}
	if s.OrphanSweepInterval <= 0 {
		return fmt.Errorf("ORPHAN_SWEEP_INTERVAL must be positive, got %s", s.OrphanSweepInterval)
	}
	if len(s.RemoteBackoff) == 0 {
		return fmt.Errorf("REMOTE_BACKOFF must list at least one delay")
	}
	return nil
}
