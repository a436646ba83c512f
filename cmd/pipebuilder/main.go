// Command pipebuilder renders, checks, compares, runs and catalogs MongoDB
// aggregation pipelines stored as Extended JSON files.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
