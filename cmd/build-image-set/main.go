package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/cdimage/cdimage/pkg/cli"
)

var version = "dev"

func main() {
	cfg := cli.NewConfig()
	cfg.Version = version

	if err := cli.NewCLI(cfg).ExecuteContext(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}
