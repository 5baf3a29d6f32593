// Command bookingmail polls a shared mailbox for tour booking emails and
// reconciles what they carry into the booking store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
