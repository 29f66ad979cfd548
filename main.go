// Package main is entrypoint for the application
package main

import (
	"ringlink/cmd"
)

func main() {
	cmd.Run()
}
