// Package main is the single-binary entrypoint for the device core: it runs
// the daemon, or drives it as an operator tool (status, provision, keygen),
// depending on the subcommand.
package main

import "github.com/ccgarces/esp32-light-and-pump/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
