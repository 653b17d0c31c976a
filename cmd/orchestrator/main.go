package main

import "github.com/SaritraGmbH/pipeweave-sub001/services/orchestrator/cli"

func main() {
	cli.Execute()
}
