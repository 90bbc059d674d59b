// Command gocjs runs CommonJS programs in an embedded JavaScript engine and
// prints the messages they send to the host.
package main

func main() {
	Execute()
}
