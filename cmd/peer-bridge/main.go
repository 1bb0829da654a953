package main

import "github.com/rudransh-shrivastava/peer-bridge/internal/cli/cmd"

func main() {
	cmd.Execute()
}
