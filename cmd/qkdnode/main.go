// qkdnode is the post-processing pipeline daemon: it brings up the
// session controller, the alignment/sift/error-correction/privacy
// amplification/key-packaging stages, and exposes Prometheus metrics.
package main

import (
	"os"

	"github.com/jaskrrish/qkd-node/cmd/qkdnode/commands"
)

func main() {
	os.Exit(commands.Execute())
}
