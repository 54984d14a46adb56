// Command flowd runs the conversation flow engine service and its
// operational tooling. See the cli package for the command tree.
package main

import (
	"flow.evalgo.org/cli"
	"flow.evalgo.org/common"
)

func main() {
	if err := cli.Execute(); err != nil {
		common.Logger.Fatal(err)
	}
}
