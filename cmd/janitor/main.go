package main

import "github.com/SaritraGmbH/pipeweave-sub001/services/janitor/cli"

func main() {
	cli.Execute()
}
