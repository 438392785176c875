package main

import (
	"fmt"
	"os"

	"github.com/iobroker-k8s/k8s-controller/pkg/cmd"
)

func main() {
	if err := cmd.NewControllerCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to run iobroker-k8s-controller: %v\n", err)
		os.Exit(1)
	}
}
