// Command relay runs the CDP-to-extension broker described in this
// repository: a loopback-only WebSocket server that lets ordinary CDP
// automation clients drive tabs in a real, user-driven Chrome session
// through an unprivileged browser extension.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Bridge CDP automation clients to a real Chrome via a browser extension",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	return root
}
