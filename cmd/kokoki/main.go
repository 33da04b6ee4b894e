package main

import (
	"flag"
	"fmt"
	"os"

	"kokoki/vm"
)

var (
	traceVM = flag.Bool("trace", false, "Log every executed opcode to stdout")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("Usage: kokoki [-trace] <file 1> [file 2] [file 3] ... [file N]")
		return
	}

	machine := vm.New(vm.Options{
		Trace:  *traceVM,
		Stdout: os.Stdout,
		Stdin:  os.Stdin,
	})

	for _, path := range args {
		source, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if !machine.Eval(string(source)) {
			os.Exit(1)
		}
	}
}
