package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kaczmarj/dblocate/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
	// exitCode is returned by Execute; run sets it to the traced program's.
	exitCode int

	colorPath  = color.New(color.Bold).SprintFunc()
	colorLabel = color.New(color.FgHiBlue).SprintFunc()
	colorNone  = color.New(color.Faint).SprintFunc()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dblocate",
	Short: "Find the database files a program uses",
	Long: `dblocate traces a program with ptrace and reports the database files it
touches: existence checks, directory listings, SQLite open and prepare calls,
and Core Data stores found among the SQLite files.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		used, err := config.Init(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		if cfg, err = config.Load(viper.GetViper()); err != nil {
			return err
		}
		color.NoColor = color.NoColor || cfg.NoColor

		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if cfg.Verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		if logger, err = zc.Build(); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if used != "" {
			logger.Debug("using config file", zap.String("path", used))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		return 1
	}
	return exitCode
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/dblocate/config.yaml)")
	pf.BoolP(config.KeyVerbose, "V", false, "verbose output")
	pf.Bool(config.KeyNoColor, false, "disable colorized output")
	pf.Bool(config.KeyJSON, false, "print events as JSON lines")
	pf.String(config.KeyPattern, config.DefaultPattern, "regular expression for database file names")
	pf.StringSlice(config.KeySyscalls, nil, "syscalls to hook (default: all supported)")
	pf.StringSlice(config.KeySymbols, nil, "functions to hook (default: SQLite open and prepare)")
	pf.Bool(config.KeyDirs, true, "report directory listings")
	pf.Bool(config.KeyFollowForks, true, "trace child processes")
	pf.Bool(config.KeyInspect, true, "open found databases to detect Core Data stores")

	config.SetDefaults(viper.GetViper())
	for _, key := range []string{
		config.KeyVerbose, config.KeyNoColor, config.KeyJSON, config.KeyPattern,
		config.KeySyscalls, config.KeySymbols, config.KeyDirs, config.KeyFollowForks,
		config.KeyInspect,
	} {
		viper.BindPFlag(key, pf.Lookup(key))
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}
