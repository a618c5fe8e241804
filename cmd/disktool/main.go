package main

import (
	"fmt"
	"os"

	_ "github.com/jimmicro/version"

	"github.com/jimyag/disktool/internal/disktool/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
