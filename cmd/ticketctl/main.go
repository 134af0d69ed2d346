// Command ticketctl runs and queries the transit ticket control service.
package main

import (
	"os"

	"github.com/transitlab/ticketctl/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
