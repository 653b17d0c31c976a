package main

import "github.com/SaritraGmbH/pipeweave-sub001/services/worker/cli"

func main() {
	cli.Execute()
}
