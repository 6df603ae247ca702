// fleet-childsim is a reference child process: it speaks the agent's
// stdin/stdout IPC protocol and evaluates scripts in an embedded JavaScript
// interpreter. Useful for exercising a fleet end to end without a real
// workload.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/dd0wney/cluso-fleet/pkg/agent"
)

func main() {
	flag.Parse()

	partitionID := os.Getenv(agent.EnvPartitionID)
	partitionCount := os.Getenv(agent.EnvPartitionCount)
	fmt.Fprintf(os.Stderr, "childsim up: partition %s of %s\n", partitionID, partitionCount)

	vm := goja.New()
	vm.Set("partitionId", partitionID)
	vm.Set("partitionCount", partitionCount)
	vm.Set("workerId", os.Getenv(agent.EnvWorkerID))

	var handled atomic.Uint64
	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg agent.ChildMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "childsim: bad line: %v\n", err)
			continue
		}
		handled.Add(1)

		switch msg.Type {
		case agent.ChildShutdown:
			fmt.Fprintln(os.Stderr, "childsim: shutdown requested")
			return

		case agent.ChildStatsRequest:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			respond(out, agent.ChildStatsReport, msg.ID, agent.ChildStats{
				MemoryBytes:     mem.Alloc,
				MessagesHandled: handled.Load(),
			})

		case agent.ChildEval:
			var req agent.ChildEvalRequest
			resp := agent.ChildEvalResponse{}
			if err := msg.Decode(&req); err != nil {
				resp.Error = err.Error()
			} else {
				resp = evaluate(vm, req.Script)
			}
			respond(out, agent.ChildEvalResult, msg.ID, resp)

		default:
			fmt.Fprintf(os.Stderr, "childsim: unexpected message %q\n", msg.Type)
		}
	}
}

// evaluate runs one script with a hard time limit; a runaway script kills
// the interpreter pass, not the child.
func evaluate(vm *goja.Runtime, script string) agent.ChildEvalResponse {
	timer := time.AfterFunc(10*time.Second, func() {
		vm.Interrupt("eval timed out")
	})
	defer timer.Stop()
	defer vm.ClearInterrupt()

	value, err := vm.RunString(script)
	if err != nil {
		return agent.ChildEvalResponse{Error: err.Error()}
	}
	return agent.ChildEvalResponse{Output: value.String()}
}

func respond(out *bufio.Writer, msgType agent.ChildMessageType, id string, payload any) {
	msg, err := agent.NewChildMessage(msgType, id, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "childsim: encode failed: %v\n", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := out.Write(data); err != nil {
		return
	}
	_ = out.Flush()
}
