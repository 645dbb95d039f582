// Command overseer supervises coding agents on behalf of remote users.
package main

import (
	"fmt"
	"os"

	"github.com/iambrandonn/overseer/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
