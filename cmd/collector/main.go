// Command collector is the long-running collection engine entrypoint,
// grounded on tools/local-downloader/main.go's flag/banner/summary
// structure with github.com/spf13/cobra replacing bare flag because
// this binary now has more than one verb, following the rootCmd/
// subcommand tree shape in ateneo-connect-zstore/cmd/server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "collector",
	Short: "Concurrent collection engine for the document catalog",
	Long:  "collector streams pending documents from the catalog, fetches them under a rate governor, validates and stores each artifact, and checkpoints progress for resumable runs.",
}

func main() {
	rootCmd.AddCommand(runCmd, statusCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
