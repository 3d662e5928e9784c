// Command manderrow-agent is built with -buildmode=c-shared and preloaded
// into the game process by the wrapper.
package main

/*
#include <stdlib.h>

extern void manderrowAgentAtExit(void);

static void manderrow_register_exit(void) { atexit(manderrowAgentAtExit); }
*/
import "C"

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/manderrow/manderrow/internal/agent"
)

//export manderrowAgentAtExit
func manderrowAgentAtExit() {
	defer func() { _ = recover() }()
	agent.Shutdown(nil)
}

func init() {
	defer agent.RecoverCrash()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	a, err := agent.Init(ctx, os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "manderrow agent: %v\n", err)
		return
	}
	if a != nil {
		C.manderrow_register_exit()
	}
}

func main() {}
