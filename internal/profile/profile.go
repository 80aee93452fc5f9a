package profile

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the negotiation server.
// All values are resolved at startup; core engine logic never reads the
// environment directly.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for the server
	Addr string
	// Port is the binding port for the server
	Port int
	// Data is the data directory
	Data string
	// Driver is the archive database driver (sqlite or postgres)
	Driver string
	// DSN points to where haggle stores session archives
	DSN string
	// Version is the current version of the server
	Version string

	// LLM configuration
	LLMProvider string // openai-compatible providers share one client
	LLMBaseURL  string
	LLMAPIKey   string
	LLMModel    string

	// Engine configuration
	RequestTimeout   time.Duration // per LLM call, fallback path triggers on expiry
	MaxRoundsDefault int
	HistoryWindow    int // max turns included in a composed prompt
	SessionTTL       time.Duration // hot-tier eviction for idle sessions
	ArchiveRetention time.Duration // how long archived sessions are kept
	FailFastLocking  bool          // reject concurrent submissions instead of queueing
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if an LLM provider is configured.
// Without one the engine still runs, answering every turn via the
// deterministic pricing fallback.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != "" || p.LLMBaseURL != ""
}

// Validate normalizes the profile and fails on unusable values.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "sqlite" && p.Driver != "postgres" && p.Driver != "" {
		return errors.Errorf("unsupported archive driver: %s", p.Driver)
	}

	if p.Driver == "sqlite" && p.DSN == "" {
		data := strings.TrimRight(p.Data, "\\/")
		if data == "" {
			data = "."
		}
		p.DSN = filepath.Join(data, fmt.Sprintf("haggle_%s.db", p.Mode))
	}

	if p.RequestTimeout <= 0 {
		p.RequestTimeout = 15 * time.Second
	}
	if p.MaxRoundsDefault <= 0 {
		p.MaxRoundsDefault = 5
	}
	if p.HistoryWindow <= 0 {
		p.HistoryWindow = 10
	}
	if p.SessionTTL <= 0 {
		p.SessionTTL = 30 * time.Minute
	}
	if p.ArchiveRetention <= 0 {
		p.ArchiveRetention = 30 * 24 * time.Hour
	}

	return nil
}
