package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	daemon := os.Getenv("ATLAS_URL")
	if daemon == "" {
		daemon = "http://127.0.0.1:8090"
	}
	token := os.Getenv("ATLAS_TOKEN")

	c := &client{base: daemon, token: token}

	switch os.Args[1] {
	case "status":
		cmdStatus(c)
	case "models":
		cmdModels(c)
	case "approvals":
		cmdApprovals(c)
	case "trust":
		cmdTrust(c)
	case "rollout":
		cmdRollout(c)
	case "costs":
		cmdCosts(c)
	case "version":
		fmt.Printf("atlasctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Atlas gateway CLI v` + version + `

Usage: atlasctl <command> [flags]

Commands:
  status      Daemon and provider health
  models      List models across providers
  approvals   list | approve <id> [--remember] | deny <id> [--reason r]
  trust       Trust signal snapshot
  rollout     status | advance | freeze --reason r | unfreeze
  costs       Spend summary (--period day|week|month)
  version     Print version
  help        Show this help

Environment:
  ATLAS_URL     Daemon base URL (default: http://127.0.0.1:8090)
  ATLAS_TOKEN   Device access token

Examples:
  atlasctl approvals list
  atlasctl approvals approve 4f9a... --remember
  atlasctl rollout freeze --reason "weekly briefing broke"
  atlasctl costs --period week`)
}

// ----------------------------------------------------------------
// status
// ----------------------------------------------------------------

func cmdStatus(c *client) {
	var sys map[string]interface{}
	c.get("/v1/system", &sys)

	fmt.Printf("Daemon:  %s\n", c.base)
	fmt.Printf("Uptime:  %s\n", time.Duration(int64(toFloat(sys["uptime_seconds"])))*time.Second)
	if ev, ok := sys["events"].(map[string]interface{}); ok {
		fmt.Printf("Events:  %d subscribers, %d dropped\n",
			int(toFloat(ev["subscribers"])), int(toFloat(ev["dropped"])))
	}

	var health struct {
		Providers map[string]struct {
			Available bool     `json:"available"`
			LatencyMS int64    `json:"latency_ms"`
			Models    []string `json:"available_models"`
			Error     string   `json:"error"`
		} `json:"providers"`
	}
	c.get("/v1/models/health", &health)

	if len(health.Providers) == 0 {
		fmt.Println("\nNo providers configured.")
		return
	}
	fmt.Printf("\n%-15s %-12s %-10s %s\n", "PROVIDER", "STATE", "LATENCY", "MODELS")
	fmt.Println(strings.Repeat("-", 60))
	for name, st := range health.Providers {
		state := "\033[32mup\033[0m"
		if !st.Available {
			state = "\033[31mdown\033[0m"
		}
		fmt.Printf("%-15s %-21s %-10s %d\n", name, state, fmt.Sprintf("%dms", st.LatencyMS), len(st.Models))
	}
}

// ----------------------------------------------------------------
// models
// ----------------------------------------------------------------

func cmdModels(c *client) {
	var resp struct {
		Models []struct {
			Provider string  `json:"provider"`
			Model    string  `json:"model_id"`
			Context  int     `json:"context_window"`
			InputK   float64 `json:"cost_per_1k_input"`
			OutputK  float64 `json:"cost_per_1k_output"`
			Local    bool    `json:"is_local"`
		} `json:"models"`
		Errors map[string]string `json:"errors"`
	}
	c.get("/v1/models", &resp)

	if len(resp.Models) == 0 {
		fmt.Println("No models available.")
	} else {
		fmt.Printf("%-12s %-30s %-9s %-14s %s\n", "PROVIDER", "MODEL", "CONTEXT", "$/1K IN/OUT", "LOCAL")
		fmt.Println(strings.Repeat("-", 76))
		for _, m := range resp.Models {
			local := ""
			if m.Local {
				local = "yes"
			}
			fmt.Printf("%-12s %-30s %-9d %.4f/%.4f  %s\n",
				m.Provider, m.Model, m.Context, m.InputK, m.OutputK, local)
		}
	}
	for p, e := range resp.Errors {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", p, e)
	}
}

// ----------------------------------------------------------------
// approvals
// ----------------------------------------------------------------

func cmdApprovals(c *client) {
	sub := "list"
	if len(os.Args) > 2 {
		sub = os.Args[2]
	}

	switch sub {
	case "list":
		var resp struct {
			Approvals []struct {
				ID        string    `json:"id"`
				Category  string    `json:"category"`
				Operation string    `json:"operation"`
				Risk      string    `json:"risk"`
				ExpiresAt time.Time `json:"expires_at"`
			} `json:"approvals"`
		}
		c.get("/v1/approvals", &resp)
		if len(resp.Approvals) == 0 {
			fmt.Println("No pending approvals.")
			return
		}
		fmt.Printf("%-36s %-18s %-10s %-8s %s\n", "ID", "CATEGORY", "RISK", "TTL", "OPERATION")
		fmt.Println(strings.Repeat("-", 96))
		for _, a := range resp.Approvals {
			ttl := time.Until(a.ExpiresAt).Round(time.Second)
			fmt.Printf("%-36s %-18s %-10s %-8s %s\n", a.ID, a.Category, a.Risk, ttl, a.Operation)
		}

	case "approve":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: atlasctl approvals approve <id> [--remember]")
			os.Exit(1)
		}
		id := os.Args[3]
		remember := hasFlag("--remember")
		var out struct {
			Status string `json:"status"`
		}
		c.post("/v1/approvals/"+id+"/approve", map[string]interface{}{"remember": remember}, &out)
		if remember {
			fmt.Println("✅ approved (rule remembered)")
		} else {
			fmt.Println("✅ approved")
		}

	case "deny":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: atlasctl approvals deny <id> [--reason r]")
			os.Exit(1)
		}
		id := os.Args[3]
		var out struct {
			Status string `json:"status"`
		}
		c.post("/v1/approvals/"+id+"/deny", map[string]interface{}{"reason": flagValue("--reason")}, &out)
		fmt.Println("⛔ denied")

	default:
		fmt.Fprintln(os.Stderr, "Usage: atlasctl approvals <list|approve|deny>")
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// trust
// ----------------------------------------------------------------

func cmdTrust(c *client) {
	var st struct {
		Signals []struct {
			Type        string  `json:"type"`
			Value       float64 `json:"value"`
			Level       string  `json:"level"`
			Numerator   int     `json:"numerator"`
			Denominator int     `json:"denominator"`
		} `json:"signals"`
		OpenRegressions int `json:"open_regressions"`
	}
	c.get("/v1/trust", &st)

	if len(st.Signals) == 0 {
		fmt.Println("No measurements yet.")
	} else {
		fmt.Printf("%-28s %-10s %-10s %s\n", "SIGNAL", "VALUE", "LEVEL", "SAMPLE")
		fmt.Println(strings.Repeat("-", 62))
		for _, s := range st.Signals {
			level := s.Level
			switch s.Level {
			case "stop":
				level = "\033[31m" + s.Level + "\033[0m"
			case "concern":
				level = "\033[33m" + s.Level + "\033[0m"
			}
			fmt.Printf("%-28s %-10.3f %-19s %d/%d\n", s.Type, s.Value, level, s.Numerator, s.Denominator)
		}
	}
	fmt.Printf("\nOpen regressions: %d\n", st.OpenRegressions)
}

// ----------------------------------------------------------------
// rollout
// ----------------------------------------------------------------

func cmdRollout(c *client) {
	sub := "status"
	if len(os.Args) > 2 {
		sub = os.Args[2]
	}

	switch sub {
	case "status":
		var resp struct {
			PhaseName string `json:"phase_name"`
			State     struct {
				Phase     int    `json:"phase"`
				CleanDays int    `json:"consecutive_clean_days"`
				Frozen    bool   `json:"frozen"`
				Reason    string `json:"freeze_reason"`
				Briefings bool   `json:"briefings_disabled"`
			} `json:"state"`
		}
		c.get("/v1/rollout", &resp)
		fmt.Printf("Phase:       %d (%s)\n", resp.State.Phase, resp.PhaseName)
		fmt.Printf("Clean days:  %d\n", resp.State.CleanDays)
		if resp.State.Frozen {
			fmt.Printf("Frozen:      \033[31myes\033[0m (%s)\n", resp.State.Reason)
		} else {
			fmt.Println("Frozen:      no")
		}
		if resp.State.Briefings {
			fmt.Println("Briefings:   disabled")
		}

	case "advance":
		var out struct {
			Phase int `json:"phase"`
		}
		c.post("/v1/rollout/advance", map[string]interface{}{}, &out)
		fmt.Printf("✅ advanced to phase %d\n", out.Phase)

	case "freeze":
		reason := flagValue("--reason")
		if reason == "" {
			fmt.Fprintln(os.Stderr, "Usage: atlasctl rollout freeze --reason <text>")
			os.Exit(1)
		}
		c.post("/v1/rollout/freeze", map[string]interface{}{"reason": reason}, nil)
		fmt.Println("🧊 frozen")

	case "unfreeze":
		c.post("/v1/rollout/unfreeze", map[string]interface{}{}, nil)
		fmt.Println("✅ unfrozen")

	default:
		fmt.Fprintln(os.Stderr, "Usage: atlasctl rollout <status|advance|freeze|unfreeze>")
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// costs
// ----------------------------------------------------------------

func cmdCosts(c *client) {
	period := flagValue("--period")
	if period == "" {
		period = "day"
	}

	var sum struct {
		Period      string             `json:"period"`
		TotalCost   float64            `json:"total_cost"`
		ByProvider  map[string]float64 `json:"by_provider"`
		InTokens    int                `json:"total_input_tokens"`
		OutTokens   int                `json:"total_output_tokens"`
		EntryCount  int                `json:"entry_count"`
		Utilization float64            `json:"utilization"`
	}
	c.get("/v1/usage?period="+period, &sum)

	fmt.Printf("Period:   %s\n", sum.Period)
	fmt.Printf("Spend:    $%.4f (%d completions)\n", sum.TotalCost, sum.EntryCount)
	fmt.Printf("Tokens:   %d in / %d out\n", sum.InTokens, sum.OutTokens)
	if len(sum.ByProvider) > 0 {
		fmt.Println("\nBy provider:")
		for p, v := range sum.ByProvider {
			fmt.Printf("  %-15s $%.4f\n", p, v)
		}
	}
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

type client struct {
	base  string
	token string
}

func (c *client) get(path string, out interface{}) { c.do("GET", path, nil, out) }

func (c *client) post(path string, body, out interface{}) {
	raw, _ := json.Marshal(body)
	c.do("POST", path, raw, out)
}

func (c *client) do(method, path string, body []byte, out interface{}) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			fmt.Fprintf(os.Stderr, "❌ %s: %s\n", envelope.Error.Kind, envelope.Error.Message)
		} else {
			fmt.Fprintf(os.Stderr, "❌ HTTP %d\n", resp.StatusCode)
		}
		os.Exit(1)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Bad response: %v\n", err)
			os.Exit(1)
		}
	}
}

func hasFlag(name string) bool {
	for _, a := range os.Args {
		if a == name {
			return true
		}
	}
	return false
}

func flagValue(name string) string {
	for i, a := range os.Args {
		if a == name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return ""
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}
