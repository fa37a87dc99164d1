// cartoflow - geospatial script execution backend
//
// A single binary serving a script registry, an execution engine with
// wall-clock timeouts, and output ingestion into a layer store.
package main

import (
	"fmt"
	"os"

	"github.com/cartoflow/cartoflow/pkg/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd := cli.NewRootCmd(cli.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
