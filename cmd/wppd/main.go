package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/wppbak/internal/config"
	"github.com/matheus3301/wppbak/internal/daemon"
	"github.com/matheus3301/wppbak/internal/session"
	"go.uber.org/fx"
)

func main() {
	config.LoadDotEnv()

	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Addr: *addrFlag}),
	)

	app.Run()
}
