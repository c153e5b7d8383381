package main

import (
	"github.com/sidkik/psync/cmd"
	"github.com/sidkik/psync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
