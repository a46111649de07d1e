package main

import (
	"os"

	"github.com/furiosa-ai/furiosa-device-reset/internal/reset_cmd"
)

func main() {
	cli := reset_cmd.NewResetCommand()
	err := cli.Execute()
	if err != nil {
		os.Exit(1)
	}
}
