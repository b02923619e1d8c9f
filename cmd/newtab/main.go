// Command newtab runs the local web-memory search engine.
package main

import (
	"os"

	"github.com/ZaynJarvis/newtab/cmd/newtab/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
