// The control-plane binary curates versioned configuration snapshots and
// serves them to data-plane nodes.
package main

import (
	"os"

	"github.com/meshrelay/gateway/cmd/control-plane/app"
)

func main() {
	if err := app.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
