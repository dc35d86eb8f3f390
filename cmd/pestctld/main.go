package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "pestctld",
		Short: "pestctld — pest control policy coordinator",
		Long:  "Receives site-visit reports, consults the Authority for target population bands, and reconciles cull/conserve policies to keep every species in band.",
	}

	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
