package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/version"
	"foreman/internal/workflows"
)

// Command definitions
var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the Foreman server",
		Long:  "Start all Foreman services: the REST API and the MCP server",
		RunE:  runServe,
	}

	validateCmd = &cobra.Command{
		Use:   "validate [file or directory...]",
		Short: "Validate workflow definition files",
		Long: `Validate YAML workflow definitions without starting the server.
A directory argument scans its *.yaml and *.yml files. The command exits
non-zero when any definition fails validation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runValidate,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show the Foreman version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetFullVersionString())
		},
	}
)

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Printf("🚀 Starting Foreman...\n")
	fmt.Printf("API Port: %d\n", viper.GetInt("api_port"))
	fmt.Printf("MCP Port: %d\n", viper.GetInt("mcp_port"))
	fmt.Printf("Workflows: %s\n", viper.GetString("workflows_dir"))

	return runMainServer()
}

func runValidate(cmd *cobra.Command, args []string) error {
	fs := afero.NewOsFs()
	invalid := 0
	checked := 0

	for _, arg := range args {
		info, err := fs.Stat(arg)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", arg, err)
		}

		if info.IsDir() {
			result, err := workflows.NewLoader(fs, arg).LoadAll()
			if err != nil {
				return err
			}
			for _, wf := range result.Workflows {
				checked++
				printValidation(wf.FilePath, wf.Definition, wf.Issues)
			}
			for _, loadErr := range result.Errors {
				checked++
				invalid++
				fmt.Printf("✗ %s: %v\n", loadErr.FilePath, loadErr.Error)
				printIssues(loadErr.Issues)
			}
			continue
		}

		checked++
		data, err := afero.ReadFile(fs, arg)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", arg, err)
		}
		def, err := workflows.ParseDefinition(data)
		if err != nil {
			invalid++
			fmt.Printf("✗ %s: %v\n", arg, err)
			continue
		}
		issues := workflows.Validate(def)
		if len(issues.Errors) > 0 {
			invalid++
			fmt.Printf("✗ %s: %s\n", arg, issues.Summary())
			printIssues(issues)
			continue
		}
		printValidation(arg, def, issues)
	}

	fmt.Printf("\nChecked %d definition(s), %d invalid\n", checked, invalid)
	if invalid > 0 {
		os.Exit(1)
	}
	return nil
}

func printValidation(path string, def *workflows.Definition, issues workflows.ValidationResult) {
	fmt.Printf("✓ %s (%s, %d steps)\n", path, def.Name, def.TotalSteps())
	for _, warning := range issues.Warnings {
		fmt.Printf("  warning: %s at %s: %s\n", warning.Code, warning.Path, warning.Message)
	}
}

func printIssues(issues workflows.ValidationResult) {
	for _, issue := range issues.Errors {
		fmt.Printf("  error: %s at %s: %s\n", issue.Code, issue.Path, issue.Message)
		if issue.Hint != "" {
			fmt.Printf("    hint: %s\n", issue.Hint)
		}
	}
	for _, warning := range issues.Warnings {
		fmt.Printf("  warning: %s at %s: %s\n", warning.Code, warning.Path, warning.Message)
	}
}
