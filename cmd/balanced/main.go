// Command balanced validates schemas, sends single requests through the
// configured stores and runs fault-injection scenarios.
package main

import (
	"fmt"
	"os"

	"github.com/balanced/balanced/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
