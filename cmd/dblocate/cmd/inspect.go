package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kaczmarj/dblocate/internal/inspect"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
}

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <db>...",
	Short: "Describe SQLite database files",
	Long: `Open SQLite files read-only and print their size, tables, journal mode and
sidecar files. Core Data stores are reported with their store URL and UUID.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var errs []error
		for _, path := range args {
			db, err := inspect.Inspect(cmd.Context(), path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if cfg.JSON {
				if err := printJSON(db); err != nil {
					return err
				}
				continue
			}
			fmt.Printf("%s %s\n", colorPath(db.Path), colorNone("("+db.HumanSize()+")"))
			if db.CoreData {
				fmt.Printf("  %s Store URL: %s\n", colorLabel("[CoreData]"), db.StoreURL())
				if db.StoreUUID != "" {
					fmt.Printf("  %s %s (model version %d)\n", colorLabel("uuid:"), db.StoreUUID, db.ModelVersion)
				}
			}
			if db.JournalMode != "" {
				fmt.Printf("  %s %s\n", colorLabel("journal:"), db.JournalMode)
			}
			if len(db.Sidecars) > 0 {
				fmt.Printf("  %s %s\n", colorLabel("sidecars:"), strings.Join(db.Sidecars, ", "))
			}
			fmt.Printf("  %s %s\n", colorLabel("tables:"), strings.Join(db.Tables, ", "))
		}
		for _, err := range errs {
			if errors.Is(err, inspect.ErrNotSQLite) {
				logger.Warn(err.Error())
			} else {
				logger.Error(err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%d of %d files could not be inspected", len(errs), len(args))
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}
