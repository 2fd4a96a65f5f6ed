package testutil

import (
	"fmt"

	"github.com/BaSui01/swarmflow/types"
)

// Agent builds a registrable agent with the given capabilities.
func Agent(id string, capabilities ...string) types.Agent {
	return types.Agent{
		ID:           id,
		Capabilities: capabilities,
		Status:       types.AgentIdle,
		Capacity:     8,
	}
}

// Task builds a task requiring one capability.
func Task(id, capability string, maxRetries int) types.Task {
	return types.Task{
		ID:                 id,
		RequiredCapability: capability,
		Payload:            map[string]any{"input": id},
		Priority:           types.DefaultMessagePriority,
		MaxRetries:         maxRetries,
	}
}

// Tasks builds n tasks sharing one capability, with IDs prefix-0..n-1.
func Tasks(prefix, capability string, n, maxRetries int) []types.Task {
	out := make([]types.Task, n)
	for i := range out {
		out[i] = Task(fmt.Sprintf("%s-%d", prefix, i), capability, maxRetries)
	}
	return out
}

// SequentialWorkflow builds a single-step sequential workflow definition.
func SequentialWorkflow(name string, tasks ...types.Task) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		Name: name,
		Steps: []types.Step{
			{ID: name + "-step-0", ExecutionMode: types.ExecutionSequential, Tasks: tasks},
		},
	}
}

// ParallelWorkflow builds a single-step parallel workflow definition.
func ParallelWorkflow(name string, tasks ...types.Task) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		Name: name,
		Steps: []types.Step{
			{ID: name + "-step-0", ExecutionMode: types.ExecutionParallel, Tasks: tasks},
		},
	}
}
