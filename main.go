package main

import "github.com/hivepool/payoutd/cmd"

func main() {
	cmd.Execute()
}
