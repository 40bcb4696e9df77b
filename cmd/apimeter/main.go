// Package main is the entry point for apimeter.
package main

func main() {
	Execute()
}
