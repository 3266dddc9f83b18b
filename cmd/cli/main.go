package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("tasko cli 0.1.0")
	case "health":
		out, err := healthCheck()
		exitOn(err, "健康检查失败")
		fmt.Println(prettyJSON(out))
	case "create":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: tasko create <task.json>\n")
			os.Exit(1)
		}
		runCreate(args[0])
	case "list":
		status := ""
		if len(args) > 0 {
			status = args[0]
		}
		tasks, err := listTasks(status)
		exitOn(err, "列出任务失败")
		fmt.Println(prettyJSON(tasks))
	case "get":
		id := requireArg(args, "tasko get <task_id>")
		t, err := getTask(id)
		exitOn(err, "查询任务失败")
		fmt.Println(prettyJSON(t))
	case "run":
		id := requireArg(args, "tasko run <task_id>")
		out, err := runTask(id)
		exitOn(err, "触发执行失败")
		fmt.Println(prettyJSON(out))
	case "snooze":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: tasko snooze <task_id> <until-RFC3339>\n")
			os.Exit(1)
		}
		until, err := time.Parse(time.RFC3339, args[1])
		exitOn(err, "until 需为 RFC3339 时间")
		exitOn(snoozeTask(args[0], until), "推迟失败")
		fmt.Println("ok")
	case "pause":
		id := requireArg(args, "tasko pause <task_id>")
		exitOn(postTaskAction(id, "pause"), "暂停失败")
		fmt.Println("ok")
	case "resume":
		id := requireArg(args, "tasko resume <task_id>")
		exitOn(postTaskAction(id, "resume"), "恢复失败")
		fmt.Println("ok")
	case "archive":
		id := requireArg(args, "tasko archive <task_id>")
		exitOn(postTaskAction(id, "archive"), "归档失败")
		fmt.Println("ok")
	case "runs":
		id := requireArg(args, "tasko runs <task_id>")
		runs, err := listRuns(id)
		exitOn(err, "列出执行历史失败")
		fmt.Println(prettyJSON(runs))
	case "getrun":
		id := requireArg(args, "tasko getrun <run_id>")
		r, err := getRun(id)
		exitOn(err, "查询执行失败")
		fmt.Println(prettyJSON(r))
	case "cancel":
		id := requireArg(args, "tasko cancel <run_id>")
		exitOn(cancelRun(id), "取消失败")
		fmt.Println("ok")
	case "publish":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: tasko publish <topic> [payload-json]\n")
			os.Exit(1)
		}
		payload, err := parsePayloadArg(args[1:])
		exitOn(err, "payload 需为 JSON 对象")
		out, err := publishEvent(args[0], payload)
		exitOn(err, "发布事件失败")
		fmt.Println(prettyJSON(out))
	case "queue":
		counts, err := queueStats()
		exitOn(err, "查询队列失败")
		for _, line := range statusLines(counts) {
			fmt.Println(line)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: tasko <command> [args]")
	fmt.Println("  version                          - 显示版本")
	fmt.Println("  health                           - API 健康检查")
	fmt.Println("  create <task.json>               - 从 JSON 文件创建任务")
	fmt.Println("  list [status]                    - 列出任务（可按状态过滤）")
	fmt.Println("  get <task_id>                    - 查询任务")
	fmt.Println("  run <task_id>                    - 立即触发一次执行")
	fmt.Println("  snooze <task_id> <until>         - 推迟下一次点火（RFC3339）")
	fmt.Println("  pause <task_id>                  - 暂停调度")
	fmt.Println("  resume <task_id>                 - 恢复调度（不补发暂停期）")
	fmt.Println("  archive <task_id>                - 归档任务（终态）")
	fmt.Println("  runs <task_id>                   - 列出任务的执行历史")
	fmt.Println("  getrun <run_id>                  - 查询单次执行")
	fmt.Println("  cancel <run_id>                  - 请求取消执行")
	fmt.Println("  publish <topic> [payload-json]   - 发布事件并触发监听任务")
	fmt.Println("  queue                            - due-work 队列各状态计数")
	fmt.Println("环境变量 TASKO_API_URL 指定 API 地址，默认 http://localhost:8080")
}

func runCreate(path string) {
	raw, err := os.ReadFile(path)
	exitOn(err, "读取任务文件失败")
	out, err := createTask(raw)
	exitOn(err, "创建任务失败")
	fmt.Println(prettyJSON(out))
}

func requireArg(args []string, usage string) string {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
		os.Exit(1)
	}
	return args[0]
}

func exitOn(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}

// parsePayloadArg 解析可选的 payload 参数；未传返回 nil
func parsePayloadArg(args []string) (map[string]interface{}, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// statusLines 按状态名排序输出 "status\tcount"
func statusLines(counts map[string]int) []string {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	lines := make([]string, 0, len(statuses))
	for _, s := range statuses {
		lines = append(lines, fmt.Sprintf("%s\t%d", s, counts[s]))
	}
	return lines
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
