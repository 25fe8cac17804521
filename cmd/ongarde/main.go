package main

import "github.com/AntimatterEnterprises/ongarde/cmd/ongarde/cmd"

func main() {
	cmd.Execute()
}
