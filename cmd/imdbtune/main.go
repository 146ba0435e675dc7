package main

import "github.com/joshcarp/imdbtune"

func main() {
	imdbtune.Execute()
}
