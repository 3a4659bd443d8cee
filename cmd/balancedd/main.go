// Command balancedd is the request dispatch daemon.
package main

import (
	"fmt"
	"os"

	"github.com/balanced/balanced/internal/cli"
)

func main() {
	if err := cli.NewDaemonCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
