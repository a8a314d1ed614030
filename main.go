package main

import "github.com/agentic-research/incidnav/cmd"

func main() {
	cmd.Execute()
}
