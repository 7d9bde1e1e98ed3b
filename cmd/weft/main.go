// Command weft is an operability shell over the weft library engine: it
// does not replace the library's zero-coupling API, it is an additive demo
// and inspection tool.
package main

import (
	"fmt"
	"os"

	"weft/internal/weftcli"
)

func main() {
	cmd := weftcli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(weftcli.GetExitCode(err))
	}
}
