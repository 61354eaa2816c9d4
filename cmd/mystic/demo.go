package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mystic/internal/config"
	"mystic/internal/identity"
	"mystic/internal/server"
)

func mustParse(full string) identity.Identity {
	id, err := identity.Parse(full)
	if err != nil {
		panic(err)
	}
	return id
}

// demoScript is evaluated at runtime and its functions registered, the same
// path an MCP client uses to bring code under the control plane.
const demoScript = `package demo

import "strings"

// Greet builds a greeting.
//
// Args:
//   name: who to greet
//
// Returns:
//   the greeting line
func Greet(name string) string {
	return "hello, " + name
}

// Slow pretends to be expensive by doing busy work.
func Slow(n int) int {
	total := 0
	for i := 0; i < n*100000; i++ {
		total += i % 7
	}
	return total
}

// Login checks credentials (the demo logs it to show redaction).
func Login(user string, password string) string {
	if strings.TrimSpace(password) == "" {
		return "denied"
	}
	return "welcome " + user
}
`

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Exercise the pipeline against a loaded script",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Global()
		rt, err := server.NewRuntime(cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		if _, err := rt.LoadScript("demo", demoScript); err != nil {
			return err
		}

		call := func(tool string, params map[string]interface{}) {
			result, rpcErr := rt.CallTool(tool, params)
			if rpcErr != nil {
				fmt.Printf("%-20s error: %s\n", tool, rpcErr.Message)
				return
			}
			fmt.Printf("%-20s %v\n", tool, compact(result))
		}

		call("discover_functions", nil)
		call("hijack_function", map[string]interface{}{
			"full_name": "demo.Slow",
			"strategy":  "cache",
			"options":   map[string]interface{}{"ttl": "1m"},
		})
		call("hijack_function", map[string]interface{}{
			"full_name": "demo.Login",
			"strategy":  "analyze",
		})

		start := time.Now()
		v1, _ := rt.Table().Call(mustParse("demo.Slow"), []interface{}{50}, nil)
		cold := time.Since(start)
		start = time.Now()
		v2, _ := rt.Table().Call(mustParse("demo.Slow"), []interface{}{50}, nil)
		warm := time.Since(start)
		fmt.Printf("Slow(50) = %v cold=%v warm=%v\n", v1, cold, warm)
		_ = v2

		if _, err := rt.Table().Call(mustParse("demo.Login"), []interface{}{"alice", "password=hunter2"}, nil); err != nil {
			return err
		}

		call("get_function_metrics", nil)
		call("list_hijacked", nil)
		call("logs_query", map[string]interface{}{"limit": 5})
		return nil
	},
}

func compact(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 160 {
		s = s[:160] + "…"
	}
	return strings.ReplaceAll(s, "\n", " ")
}
