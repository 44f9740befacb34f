package main

import "RayRelay/cmd"

func main() {
	cmd.Execute()
}
