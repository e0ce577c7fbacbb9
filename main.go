// Package main is the entry point for the Nightscout Advisor command line
package main

import "github.com/mrcode/nightscout-advisor/internal/cli"

func main() {
	cli.Execute()
}
