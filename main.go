package main

import "woreda-stats/cmd"

func main() {
	cmd.Execute()
}
