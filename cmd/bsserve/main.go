// Command bsserve serves local files as raw blocks over bitswap.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bsserve: %v\n", err)
		os.Exit(1)
	}
}
