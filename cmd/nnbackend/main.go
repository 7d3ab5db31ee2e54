// Command nnbackend serves the inference backend over HTTP and offers local
// one-shot tooling around it.
package main

import (
	"fmt"
	"os"

	"nnbackend/internal/engine"
)

func main() {
	if err := buildRootCmd(engine.NewLlama()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
