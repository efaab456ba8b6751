package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatmerge/internal/daemon"
	"github.com/matheus3301/chatmerge/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "path to config.toml")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name, ConfigPath: *configFlag}),
	)

	app.Run()
}
