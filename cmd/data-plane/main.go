// The data-plane binary reconciles live forwarding state against the
// control plane's latest published configuration.
package main

import (
	"os"

	"github.com/meshrelay/gateway/cmd/data-plane/app"
)

func main() {
	if err := app.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
