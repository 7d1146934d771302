// Command frakrpc serves and calls the RPC layer over sockets.
//
//	frakrpc listen --config frakrpc.yaml
//	frakrpc call ping --target https://wallet.frak.id
//	frakrpc subscribe ticker '{"count": 3}' --count 3
//	frakrpc origins add https://shop.example
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommandeer().cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
