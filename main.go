// sail-dataset-upload encrypts tabular datasets and delivers them to a data
// federation's storage. See `sail-dataset-upload --help`.
package main

import (
	"os"

	"github.com/secureailabs/sail-dataset-upload/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
