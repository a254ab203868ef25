// gokvctl -- CLI client for the gokvd key-value daemon.
package main

import "github.com/dantte-lp/gokvd/cmd/gokvctl/commands"

func main() {
	commands.Execute()
}
