// =============================================================================
// SwarmFlow 主入口
// =============================================================================
// 命令行入口，加载配置并驱动编排器
//
// 使用方法:
//
//	swarmflow run <template>                  # 运行配置中定义的工作流模板
//	swarmflow run <template> --config f.yaml  # 指定配置文件
//	swarmflow deadletters                     # 列出死信任务
//	swarmflow requeue <task-id>               # 重新入队死信任务
//	swarmflow version                         # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	swarmflow "github.com/BaSui01/swarmflow"
	"github.com/BaSui01/swarmflow/deadletter"
	"github.com/BaSui01/swarmflow/types"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runWorkflow(os.Args[2:])
	case "deadletters":
		listDeadLetters(os.Args[2:])
	case "requeue":
		requeueDeadLetter(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`SwarmFlow - multi-agent workflow orchestration

Usage:
  swarmflow run <template> [--config file]   run a workflow template
  swarmflow deadletters [--config file]      list dead-lettered tasks
  swarmflow requeue <task-id> [--config file] retry a dead-lettered task
  swarmflow version                          print version information
`)
}

func printVersion() {
	fmt.Printf("SwarmFlow %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
}

func newOrchestrator(configPath string) *swarmflow.Orchestrator {
	opts := []swarmflow.Option{}
	if configPath != "" {
		opts = append(opts, swarmflow.WithConfigFile(configPath))
	}
	o, err := swarmflow.New(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	return o
}

func runWorkflow(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: swarmflow run <template> [--config file]")
		os.Exit(1)
	}
	template := fs.Arg(0)

	o := newOrchestrator(*configPath)
	defer func() {
		ctx := context.Background()
		_ = o.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id, err := o.SubmitTemplate(ctx, template)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "workflow %s submitted from template %q\n", id, template)

	res, err := o.Run(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if res.Status != types.WorkflowCompleted {
		os.Exit(1)
	}
}

func listDeadLetters(args []string) {
	fs := flag.NewFlagSet("deadletters", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径")
	workflowID := fs.String("workflow", "", "按工作流 ID 过滤")
	_ = fs.Parse(args)

	o := newOrchestrator(*configPath)
	defer func() { _ = o.Close(context.Background()) }()

	entries, err := o.DeadLetters(context.Background(), deadletter.Filter{WorkflowID: *workflowID})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(entries, "", "  ")
	fmt.Println(string(out))
}

func requeueDeadLetter(args []string) {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: swarmflow requeue <task-id> [--config file]")
		os.Exit(1)
	}

	o := newOrchestrator(*configPath)
	defer func() { _ = o.Close(context.Background()) }()

	outcome, err := o.RequeueDeadLetter(context.Background(), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "requeue failed: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(outcome, "", "  ")
	fmt.Println(string(out))
}
