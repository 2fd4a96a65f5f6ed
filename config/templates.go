// =============================================================================
// 📦 SwarmFlow 工作流模板
// =============================================================================
// 允许在配置文件中声明命名工作流，提交时按名称实例化：
//
//	workflows:
//	  nightly-etl:
//	    steps:
//	      - id: extract
//	        mode: sequential
//	        tasks:
//	          - id: pull-orders
//	            capability: extract
//	            max_retries: 2
//	      - id: transform
//	        mode: parallel
//	        tasks: [...]
// =============================================================================
package config

import (
	"fmt"

	"github.com/BaSui01/swarmflow/types"
)

// WorkflowTemplate 是配置文件中声明的命名工作流
type WorkflowTemplate struct {
	// Description 模板说明（可选）
	Description string `yaml:"description"`
	// Steps 有序步骤列表
	Steps []StepTemplate `yaml:"steps"`
}

// StepTemplate 工作流步骤模板
type StepTemplate struct {
	ID string `yaml:"id"`
	// Mode 执行模式: sequential, parallel
	Mode  string         `yaml:"mode"`
	Tasks []TaskTemplate `yaml:"tasks"`
}

// TaskTemplate 任务模板
type TaskTemplate struct {
	ID         string         `yaml:"id"`
	Capability string         `yaml:"capability"`
	Payload    map[string]any `yaml:"payload"`
	Priority   int            `yaml:"priority"`
	MaxRetries int            `yaml:"max_retries"`
}

// Instantiate 将模板实例化为可提交的工作流定义
func (t WorkflowTemplate) Instantiate(name string) (types.WorkflowDefinition, error) {
	if err := t.validate(); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("workflow template %q: %w", name, err)
	}

	def := types.WorkflowDefinition{
		Name:  name,
		Steps: make([]types.Step, 0, len(t.Steps)),
	}
	for _, st := range t.Steps {
		mode := types.ExecutionSequential
		if st.Mode == string(types.ExecutionParallel) {
			mode = types.ExecutionParallel
		}
		step := types.Step{
			ID:            st.ID,
			ExecutionMode: mode,
			Tasks:         make([]types.Task, 0, len(st.Tasks)),
		}
		for _, tk := range st.Tasks {
			priority := tk.Priority
			if priority == 0 {
				priority = types.DefaultMessagePriority
			}
			step.Tasks = append(step.Tasks, types.Task{
				ID:                 tk.ID,
				RequiredCapability: tk.Capability,
				Payload:            tk.Payload,
				Priority:           priority,
				MaxRetries:         tk.MaxRetries,
			})
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

// validate 校验模板结构
func (t WorkflowTemplate) validate() error {
	if len(t.Steps) == 0 {
		return fmt.Errorf("no steps defined")
	}
	seenSteps := make(map[string]bool, len(t.Steps))
	for i, st := range t.Steps {
		if st.ID == "" {
			return fmt.Errorf("step %d: missing id", i)
		}
		if seenSteps[st.ID] {
			return fmt.Errorf("duplicate step id %q", st.ID)
		}
		seenSteps[st.ID] = true

		switch st.Mode {
		case "", string(types.ExecutionSequential), string(types.ExecutionParallel):
		default:
			return fmt.Errorf("step %q: unknown mode %q", st.ID, st.Mode)
		}
		if len(st.Tasks) == 0 {
			return fmt.Errorf("step %q: no tasks", st.ID)
		}
		for _, tk := range st.Tasks {
			if tk.ID == "" {
				return fmt.Errorf("step %q: task missing id", st.ID)
			}
			if tk.Capability == "" {
				return fmt.Errorf("step %q: task %q missing capability", st.ID, tk.ID)
			}
			if tk.MaxRetries < 0 {
				return fmt.Errorf("step %q: task %q negative max_retries", st.ID, tk.ID)
			}
		}
	}
	return nil
}
