package main

import (
	"github.com/luma/knownothing/cmd"
)

func main() {
	cmd.Execute()
}
