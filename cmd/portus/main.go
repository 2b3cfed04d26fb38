package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/turtacn/Portus/internal/cli"
	"github.com/turtacn/Portus/pkg/consts"
	"github.com/turtacn/Portus/pkg/logger"
)

func main() {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if logger.Log != nil {
			logger.Log.Error("Panic recovered", "panic", r, "stack", string(debug.Stack()))
		} else {
			fmt.Fprintf(os.Stderr, "portus: panic: %v\n%s", r, debug.Stack())
		}
		os.Exit(consts.ExitInternal)
	}()

	cli.Execute()
}

// Personal.AI order the ending
