// Command mcpgatewayd runs the gateway's SSE Bridge over HTTP, wiring
// together the encryption key, server registry, session manager,
// janitor, and bridge in dependency order.
package main

import (
	"fmt"
	"os"

	"github.com/nexusmcp/gateway/cmd/mcpgatewayd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
