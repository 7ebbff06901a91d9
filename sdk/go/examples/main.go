package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"evm-defi-agent/sdk/go/evmagent"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "agent API 地址")
	session := flag.String("session", "sdk-demo", "会话标识")
	query := flag.String("query", "What is my wallet balance?", "发送给助手的指令")
	async := flag.Bool("async", false, "通过异步任务提交")
	flag.Parse()

	client, err := evmagent.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		log.Fatalf("status: %v", err)
	}
	fmt.Printf("status=%s tools=%d\n", status.Status, status.ToolsCount)

	if !*async {
		resp, err := client.Query(ctx, *session, *query)
		if err != nil {
			log.Fatalf("query: %v", err)
		}
		fmt.Printf("response: %s\n", resp.Response)
		for _, call := range resp.ToolCalls {
			fmt.Printf("  tool %s %s\n", call.Name, call.Arguments)
		}
		return
	}

	created, err := client.SubmitTask(ctx, evmagent.TaskSubmission{SessionID: *session, Query: *query})
	if err != nil {
		log.Fatalf("submit task: %v", err)
	}
	fmt.Printf("task %s submitted\n", created.ID)
	done, err := client.WaitForTask(ctx, created.ID, time.Second)
	if err != nil {
		log.Fatalf("wait task: %v", err)
	}
	if done.Result != nil {
		fmt.Printf("task %s %s: %s\n", done.ID, done.Status, done.Result.Response)
		return
	}
	fmt.Printf("task %s %s: %s\n", done.ID, done.Status, done.LastError)
}
