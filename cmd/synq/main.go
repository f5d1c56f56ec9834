// Command synq inspects and drives persisted query caches.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/synq/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "synq:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
