package main

import "github.com/agentgate-io/agentgate/cmd/agentgate/cmd"

func main() {
	cmd.Execute()
}
