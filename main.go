package main

import "github.com/andresmejia3/faceanalyser/cmd"

func main() {
	cmd.Execute()
}
