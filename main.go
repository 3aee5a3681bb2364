package main

import "github.com/atriumhq/atrium/cmd"

func main() {
	cmd.Execute()
}
