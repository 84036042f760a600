// AIDA - IRIS data transfer agent
// Generate. Compare. Send the difference.
package main

func main() {
	Execute()
}
