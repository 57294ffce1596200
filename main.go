package main

import "github.com/weftnet/weft/cmd"

func main() {
	cmd.Execute()
}
