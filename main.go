package main

import "github.com/ngld/assetflow/cmd"

func main() {
	cmd.Execute()
}
