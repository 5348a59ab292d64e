// Command netstore inspects and maintains netstore disk caches and cookie jars.
package main

import (
	"os"

	"github.com/meigma/netstore/cmd/netstore/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
