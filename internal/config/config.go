// Package config loads dblocate settings from defaults, an optional YAML
// file, DBLOCATE_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Keys understood in the config file and as DBLOCATE_<KEY> variables.
const (
	KeyPattern     = "pattern"
	KeySyscalls    = "syscalls"
	KeySymbols     = "symbols"
	KeyDirs        = "dirs"
	KeyFollowForks = "follow-forks"
	KeyInspect     = "inspect"
	KeyJSON        = "json"
	KeyVerbose     = "verbose"
	KeyNoColor     = "no-color"
)

// DefaultPattern matches database files and SQLite sidecar files.
const DefaultPattern = `(?i)(\.(db|sqlite|sqlite3|wal|shm)|-(wal|shm|journal))$`

// DefaultSymbols are the SQLite entry points hooked, and looked for by scan,
// when no symbols are configured.
var DefaultSymbols = []string{
	"sqlite3_open", "sqlite3_open_v2", "sqlite3_open16",
	"sqlite3_prepare_v2", "sqlite3_prepare_v3",
}

// Config is the resolved configuration of one run.
type Config struct {
	Pattern     *regexp.Regexp
	Syscalls    []string
	Symbols     []string
	Dirs        bool
	FollowForks bool
	Inspect     bool
	JSON        bool
	Verbose     bool
	NoColor     bool
}

// SetDefaults registers the default of every key. Empty syscall and symbol
// lists select the built-in sets.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPattern, DefaultPattern)
	v.SetDefault(KeySyscalls, []string{})
	v.SetDefault(KeySymbols, []string{})
	v.SetDefault(KeyDirs, true)
	v.SetDefault(KeyFollowForks, true)
	v.SetDefault(KeyInspect, true)
	v.SetDefault(KeyJSON, false)
	v.SetDefault(KeyVerbose, false)
	v.SetDefault(KeyNoColor, false)
}

// Init points v at the config file and the environment. cfgFile overrides the
// default location $HOME/.config/dblocate/config.yaml. A missing default file
// is not an error; it returns the file used, if any.
func Init(v *viper.Viper, cfgFile string) (string, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dblocate"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("dblocate")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("reading config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// Load resolves the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	re, err := regexp.Compile(v.GetString(KeyPattern))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyPattern, err)
	}
	return &Config{
		Pattern:     re,
		Syscalls:    list(v, KeySyscalls),
		Symbols:     list(v, KeySymbols),
		Dirs:        v.GetBool(KeyDirs),
		FollowForks: v.GetBool(KeyFollowForks),
		Inspect:     v.GetBool(KeyInspect),
		JSON:        v.GetBool(KeyJSON),
		Verbose:     v.GetBool(KeyVerbose),
		NoColor:     v.GetBool(KeyNoColor),
	}, nil
}

// list reads a string list that may also be given as one comma separated
// string, the way it arrives from the environment.
func list(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
