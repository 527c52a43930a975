package main

import "github.com/ventupx/wrb-vpn-system/cmd/orchestratorctl/cmd"

func main() {
	cmd.Execute()
}
