// Package main provides the relayhub database migration CLI.
//
// Usage Examples:
//   go run cmd/migrate/main.go up                    # Run all pending migrations
//   go run cmd/migrate/main.go down                  # Rollback 1 migration (with confirmation)
//   go run cmd/migrate/main.go down -steps 5         # Rollback 5 migrations (with confirmation)
//   go run cmd/migrate/main.go status                # Show migration status
//   go run cmd/migrate/main.go goto -version 5       # Migrate to specific version (with confirmation)
//   go run cmd/migrate/main.go force -version 3      # Force version (with confirmation)
//   go run cmd/migrate/main.go drop                  # Drop all tables (with confirmation)
//   go run cmd/migrate/main.go create -name "add_tenant_index"
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"relayhub/internal/config"
	"relayhub/internal/migration"
)

// MigrateFlags holds all parsed command-line flags.
type MigrateFlags struct {
	Steps   int
	Version int
	Name    string
	DryRun  bool
}

// parseFlags parses flags from arguments, supporting flags before or after the command.
func parseFlags(args []string) (*MigrateFlags, string, error) {
	for _, arg := range args {
		if arg == "-h" || arg == "--help" || arg == "help" {
			return nil, "help", nil
		}
	}

	if len(args) == 0 {
		return nil, "", fmt.Errorf("no command specified")
	}

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	flags := &MigrateFlags{}
	fs.IntVar(&flags.Steps, "steps", 0, "Number of migration steps (0 = all)")
	fs.IntVar(&flags.Version, "version", 0, "Target version for goto/force commands")
	fs.StringVar(&flags.Name, "name", "", "Migration name for create command")
	fs.BoolVar(&flags.DryRun, "dry-run", false, "Show what would be migrated without executing")

	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	remainingArgs := fs.Args()
	if len(remainingArgs) == 0 {
		return nil, "", fmt.Errorf("no command specified")
	}
	command := remainingArgs[0]

	if len(remainingArgs) > 1 {
		if err := fs.Parse(remainingArgs[1:]); err != nil {
			return nil, "", err
		}
	}

	return flags, command, nil
}

func main() {
	flags, command, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if command == "help" || command == "" {
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	manager, err := migration.NewManager(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize migration manager: %v", err)
	}
	defer manager.Shutdown()

	switch command {
	case "up":
		if err := manager.Up(flags.Steps, flags.DryRun); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("✅ Migrations completed successfully")

	case "down":
		downSteps := flags.Steps
		if downSteps == 0 {
			downSteps = 1
		}
		if !confirmDestructiveOperation(fmt.Sprintf("rollback %d migration(s)", downSteps)) {
			fmt.Println("Operation cancelled")
			return
		}
		if err := manager.Down(downSteps, flags.DryRun); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("✅ Rollback completed successfully")

	case "status":
		showStatus(manager)

	case "goto":
		if flags.Version == 0 {
			log.Fatal("Version must be specified for goto command (use -version flag)")
		}
		if !confirmDestructiveOperation(fmt.Sprintf("migrate to version %d", flags.Version)) {
			fmt.Println("Operation cancelled")
			return
		}
		if err := manager.Goto(uint(flags.Version)); err != nil {
			log.Fatalf("Failed to migrate to version %d: %v", flags.Version, err)
		}
		fmt.Printf("✅ Migrated to version %d successfully\n", flags.Version)

	case "force":
		if flags.Version == 0 {
			log.Fatal("Version must be specified for force command (use -version flag)")
		}
		if !confirmDestructiveOperation(fmt.Sprintf("FORCE migration to version %d (DANGEROUS)", flags.Version)) {
			fmt.Println("Operation cancelled")
			return
		}
		if err := manager.Force(flags.Version); err != nil {
			log.Fatalf("Failed to force migration to version %d: %v", flags.Version, err)
		}
		fmt.Printf("⚠️  Forced migration to version %d successfully\n", flags.Version)

	case "drop":
		if !confirmDestructiveOperation("DROP ALL TABLES (PERMANENT DATA LOSS)") {
			fmt.Println("Operation cancelled")
			return
		}
		if err := manager.Drop(); err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
		fmt.Println("⚠️  Tables dropped successfully")

	case "create":
		if flags.Name == "" {
			log.Fatal("Migration name is required for create command (use -name flag)")
		}
		upFile, downFile, err := manager.CreateMigration(flags.Name)
		if err != nil {
			log.Fatalf("Failed to create migration: %v", err)
		}
		fmt.Printf("✅ Created migration files:\n  %s\n  %s\n", upFile, downFile)

	default:
		fmt.Printf("❌ Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// confirmDestructiveOperation prompts the user for confirmation on dangerous operations.
func confirmDestructiveOperation(operation string) bool {
	fmt.Printf("⚠️  DANGER: About to %s.\n", operation)
	fmt.Printf("This action cannot be undone and may result in data loss.\n")
	fmt.Print("Type 'yes' to confirm (anything else will cancel): ")

	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "yes"
}

func showStatus(manager *migration.Manager) {
	status := manager.Status()
	fmt.Println("Migration Status:")
	fmt.Printf("  Current version: %d\n", status.CurrentVersion)
	fmt.Printf("  Dirty:           %t\n", status.IsDirty)
	fmt.Printf("  Status:          %s\n", status.Status)
	fmt.Printf("  Migrations path: %s\n", status.MigrationsPath)
	fmt.Printf("  Total migrations: %d\n", status.TotalMigrations)
	if status.Error != "" {
		fmt.Printf("  Error: %s\n", status.Error)
	}
}

func printUsage() {
	fmt.Println(`relayhub migration CLI

Usage:
  migrate <command> [flags]

Commands:
  up                Run all pending migrations (or -steps N)
  down              Rollback 1 migration (or -steps N), asks for confirmation
  status            Show current migration version and dirty state
  goto -version N   Migrate to a specific version, asks for confirmation
  force -version N  Force the schema_migrations version without running SQL, asks for confirmation
  drop              Drop all tables, asks for confirmation
  create -name NAME Create a new pair of up/down migration files
  help              Show this message

Flags:
  -steps N      Number of migration steps (0 = all, only for up/down)
  -version N    Target version (for goto/force)
  -name NAME    Migration name (for create)
  -dry-run      Show what would be migrated without executing`)
}
