// Package config holds runtime configuration for the atgraph binaries.
// Flags take precedence over ATGRAPH_* environment variables, which take
// precedence over defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
)

// Config is the full runtime configuration of the ingester.
type Config struct {
	// RelayHosts are subscribeRepos endpoints, tried in order and rotated
	// on connection failure.
	RelayHosts []string

	// APIHost is the appview used for profile/post lookups.
	APIHost string

	// DB is the graph database DSN. A postgres:// URL selects the postgres
	// driver; anything else is treated as a sqlite path.
	DB string

	// DataDir holds local state (cursor and failed-message queue).
	DataDir string

	// MetricsAddr, when set, serves /metrics on this address.
	MetricsAddr string

	// Verbose enables per-event debug logging.
	Verbose bool
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		RelayHosts: []string{"wss://bsky.network"},
		APIHost:    "https://public.api.bsky.app",
		DB:         "atgraph.db",
		DataDir:    defaultDataDir(),
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "atgraph")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "atgraph")
}

// envOr returns ATGRAPH_<key> or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv("ATGRAPH_" + key); v != "" {
		return v
	}
	return def
}

// Load parses args (excluding the program name) into a Config.
func Load(args []string) (Config, error) {
	def := Default()

	fs := flag.NewFlagSet("atgraph", flag.ContinueOnError)
	relayHosts := fs.StringSlice("relay-host", splitHosts(envOr("RELAY_HOSTS", strings.Join(def.RelayHosts, ","))),
		"relay subscribeRepos endpoint (repeatable)")
	apiHost := fs.String("api-host", envOr("API_HOST", def.APIHost),
		"appview host for profile/post lookups")
	db := fs.String("db", envOr("DB", def.DB),
		"graph database DSN (sqlite path or postgres:// URL)")
	dataDir := fs.String("data-dir", envOr("DATA_DIR", def.DataDir),
		"directory for cursor and failed-message state")
	metricsAddr := fs.String("metrics-addr", envOr("METRICS_ADDR", ""),
		"address to serve /metrics on (empty disables)")
	verbose := fs.BoolP("verbose", "v", os.Getenv("ATGRAPH_VERBOSE") != "",
		"enable per-event debug logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return Config{
		RelayHosts:  *relayHosts,
		APIHost:     *apiHost,
		DB:          *db,
		DataDir:     *dataDir,
		MetricsAddr: *metricsAddr,
		Verbose:     *verbose,
	}, nil
}

func splitHosts(s string) []string {
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
