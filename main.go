package main

import "arpscan/cmd"

func main() {
	cmd.Execute()
}
