package main

import (
	"fathom/cmd/cmd"
)

func main() {
	cmd.Execute()
}
