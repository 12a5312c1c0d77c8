package main

import "github.com/jmehdipour/shop-events/cmd"

func main() {
	cmd.Execute()
}
