package main

import "github.com/jmehdipour/campaign-gateway/cmd"

func main() {
	cmd.Execute()
}
