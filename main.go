package main

import "github.com/burtonwilliamt/Monty/cmd"

func main() {
	cmd.Execute()
}
