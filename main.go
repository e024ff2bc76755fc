package main

import (
	"github.com/lumalabs/risq/cmd"
)

func main() {
	cmd.Execute()
}
