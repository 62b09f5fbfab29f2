package main

import "github.com/perpdata/candle-feeder/cmd"

func main() {
	cmd.Execute()
}
