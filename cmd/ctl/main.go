package main

import (
	"fmt"
	"os"

	"github.com/akumaburn/crdtstore/internal/ctl"
)

func main() {
	if err := ctl.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
