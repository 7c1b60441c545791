package main

import "github.com/smallbiznis/paymaster/cmd/sign/cmd"

func main() {
	cmd.Execute()
}
