package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kaczmarj/dblocate/internal/config"
	"github.com/kaczmarj/dblocate/internal/symbols"
)

func init() {
	rootCmd.AddCommand(scanCmd)
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <binary>...",
	Short: "Check binaries for database APIs without running them",
	Long: `Read the symbol tables of ELF or Mach-O binaries and list the database
libraries they link and the hooked functions they import or define.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		targets := cfg.Symbols
		if len(targets) == 0 {
			targets = config.DefaultSymbols
		}
		failed := 0
		for _, path := range args {
			r, err := symbols.ScanBinary(path, targets)
			if err != nil {
				logger.Sugar().Errorf("scanning %s: %v", path, err)
				failed++
				continue
			}
			if cfg.JSON {
				if err := printJSON(r); err != nil {
					return err
				}
				continue
			}
			fmt.Printf("%s (%s)\n", colorPath(r.Path), r.Format)
			if !r.Interesting() {
				fmt.Println(colorNone("  no database APIs found"))
				continue
			}
			printList("libraries", r.Libraries)
			printList("imports", r.Imports)
			printList("defines", r.Exports)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d binaries could not be scanned", failed, len(args))
		}
		return nil
	},
}

func printList(label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "  %s %s\n", colorLabel(label+":"), strings.Join(items, ", "))
}
