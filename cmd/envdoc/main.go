package main

import (
	"fmt"
	"os"

	"fleet/internal/config"
)

func main() {
	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading defaults:", err)
		os.Exit(1)
	}

	fmt.Println("# Fleet Environment Variables")
	fmt.Println()
	fmt.Println("Both roles read configuration overrides from the environment.")
	fmt.Println("Environment variables override values from the configuration file.")
	fmt.Println("List values are comma separated.")
	fmt.Println()
	fmt.Println("## Available Environment Variables")
	fmt.Println()
	fmt.Println("| Variable | Default |")
	fmt.Println("|----------|---------|")

	for _, v := range config.EnvVars(cfg) {
		def := v.Default
		if def == "" {
			def = "-"
		}
		fmt.Printf("| `%s` | `%s` |\n", v.Key, def)
	}

	fmt.Println()
	fmt.Println("## Examples")
	fmt.Println()
	fmt.Println("```bash")
	fmt.Println("# Run instances in containers")
	fmt.Println("export FLEET_ORCHESTRATOR_RUNTIME=docker")
	fmt.Println("export FLEET_ORCHESTRATOR_DOCKER_IMAGE=inventory-service:latest")
	fmt.Println()
	fmt.Println("# Publish discovery records to Redis as well")
	fmt.Println("export FLEET_ORCHESTRATOR_DISCOVERY_REDIS_ENABLED=true")
	fmt.Println()
	fmt.Println("# Static fallback backends for the router")
	fmt.Println("export FLEET_ROUTER_BACKENDS=http://localhost:8001,http://localhost:8002")
	fmt.Println()
	fmt.Println("./fleet orchestrator --config configs/fleet.yaml")
	fmt.Println("```")
}
