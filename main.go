package main

import "mycelica/hypha/cmd"

func main() {
	cmd.Execute()
}
