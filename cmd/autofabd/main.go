package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/danmuck/autofab/internal/logging"
	"github.com/danmuck/autofab/internal/node"
)

func main() {
	logging.ConfigureRuntime()
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "autofabd: %v\n", err)
		os.Exit(2)
	}
	if err := node.NewService(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "autofabd: %v\n", err)
		os.Exit(1)
	}
}
