// Command graph-exporter periodically exports MS Graph sign-in logs into a
// Redis list or channel.
package main

import (
	"os"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
