// Command svcbusd runs the svcbus service bus daemon and its operator CLI.
//
// Usage:
//
//	svcbusd serve [--config path/to/config.yaml]
//	svcbusd publish orders.created '{"order":42}' --priority high
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/snehjoshi/svcbus/internal/cli"
)

func main() {
	if err := cli.NewRoot().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "svcbusd: %v\n", err)
		os.Exit(1)
	}
}
