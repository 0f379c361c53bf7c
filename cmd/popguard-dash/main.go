// Command popguard-dash is a terminal dashboard for a running popguard
// service. It lists open tabs with their guard state and suppression counts
// and can toggle the guard of the selected tab.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	addr := os.Getenv("POPGUARD_ADDR")
	if addr == "" {
		addr = "http://127.0.0.1:8192"
	}
	interval := 2 * time.Second
	if v := os.Getenv("POPGUARD_DASH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	c := newClient(strings.TrimRight(addr, "/"), os.Getenv("API_KEY"))
	p := tea.NewProgram(newModel(c, interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "popguard-dash:", err)
		os.Exit(1)
	}
}
