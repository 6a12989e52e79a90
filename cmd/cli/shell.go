package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nickyhof/ForkDB"
	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/db"
	"github.com/nickyhof/ForkDB/op"
	"github.com/nickyhof/ForkDB/sql"
	"github.com/spf13/cobra"
)

const maxHistory = 1000

// CLI holds the interactive shell state. Worlds created in a shell live
// until the shell exits.
type CLI struct {
	instance    *ForkDB.Instance
	out         io.Writer
	world       string // current world context
	planFile    string
	history     []string
	historyFile string

	experiment *op.Experiment
	last       *op.Report
}

func newShellCmd(opts *rootOptions) *cobra.Command {
	var (
		planFile string
		sqlFile  string
	)

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell for worlds, statements and experiments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			cli := newCLI(instance, cmd.OutOrStdout())
			cli.planFile = planFile

			if sqlFile != "" {
				return cli.importFile(cmd.Context(), sqlFile)
			}

			cli.historyFile = getHistoryPath()
			cli.loadHistory()
			defer cli.saveHistory()

			cli.printBanner()
			cli.run(cmd.Context(), cmd.InOrStdin())
			return nil
		},
	}

	cmd.Flags().StringVar(&planFile, "plan", "", "YAML plan for the static oracle")
	cmd.Flags().StringVar(&sqlFile, "sql-file", "", "SQL file to execute against mainline (non-interactive)")
	return cmd
}

func newCLI(instance *ForkDB.Instance, out io.Writer) *CLI {
	return &CLI{
		instance: instance,
		out:      out,
		world:    core.MainlineID,
		history:  make([]string, 0),
	}
}

func (cli *CLI) printBanner() {
	bannerWidth := 39 // inner width of the banner box
	versionLine := fmt.Sprintf("ForkDB v%s", Version)
	padding := bannerWidth - len(versionLine) - 2
	if padding < 0 {
		padding = 0
	}
	leftPad := padding / 2
	rightPad := padding - leftPad

	fmt.Fprintln(cli.out)
	fmt.Fprintf(cli.out, "%s%s╔═══════════════════════════════════════╗%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintf(cli.out, "%s%s║ %*s%s%*s ║%s\n", BoldColor, PromptColor, leftPad, "", versionLine, rightPad, "", ResetColor)
	fmt.Fprintf(cli.out, "%s%s║   Speculative Multi-Branch SQL        ║%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintf(cli.out, "%s%s╚═══════════════════════════════════════╝%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "Type .help for commands, .quit to exit")
	fmt.Fprintln(cli.out)
}

func (cli *CLI) run(ctx context.Context, in io.Reader) {
	reader := bufio.NewReader(in)
	var multiLineBuffer strings.Builder

	for {
		fmt.Fprint(cli.out, cli.getPrompt(multiLineBuffer.Len() > 0))

		input, err := reader.ReadString('\n')
		if err != nil && input == "" {
			fmt.Fprintf(cli.out, "\n%sGoodbye!%s\n", SuccessColor, ResetColor)
			return
		}

		input = strings.TrimSuffix(input, "\n")
		input = strings.TrimSuffix(input, "\r")

		if strings.TrimSpace(input) == "" {
			continue
		}

		if multiLineBuffer.Len() == 0 && strings.HasPrefix(strings.TrimSpace(input), ".") {
			if quit := cli.handleCommand(ctx, input); quit {
				return
			}
			continue
		}

		// accumulate until the statement ends with a semicolon
		multiLineBuffer.WriteString(input)

		trimmed := strings.TrimSpace(multiLineBuffer.String())
		if !strings.HasSuffix(trimmed, ";") {
			multiLineBuffer.WriteString(" ")
			continue
		}
		multiLineBuffer.Reset()

		cli.addToHistory(trimmed)
		for _, text := range sql.Split(trimmed) {
			cli.execute(ctx, text)
		}
	}
}

func (cli *CLI) getPrompt(multiLine bool) string {
	if multiLine {
		return fmt.Sprintf("%s   ...>%s ", PromptColor, ResetColor)
	}
	return fmt.Sprintf("%sforkdb (%s)>%s ", PromptColor, cli.world, ResetColor)
}

func (cli *CLI) execute(ctx context.Context, text string) {
	entry, err := cli.instance.Execute(ctx, cli.world, text)
	if err != nil {
		cli.errorf("%v", err)
		return
	}
	db.Render(cli.out, entry)
}

func (cli *CLI) errorf(format string, args ...any) {
	fmt.Fprintf(cli.out, "%s✗ %s%s\n", ErrorColor, fmt.Sprintf(format, args...), ResetColor)
}

func (cli *CLI) successf(format string, args ...any) {
	fmt.Fprintf(cli.out, "%s✓ %s%s\n", SuccessColor, fmt.Sprintf(format, args...), ResetColor)
}

// handleCommand runs a dot command and reports whether the shell should exit.
func (cli *CLI) handleCommand(ctx context.Context, input string) bool {
	parts := strings.Fields(strings.TrimSpace(input))
	if len(parts) == 0 {
		return false
	}
	args := parts[1:]

	switch strings.ToLower(parts[0]) {
	case ".quit", ".exit", ".q":
		fmt.Fprintf(cli.out, "%sGoodbye!%s\n", SuccessColor, ResetColor)
		return true

	case ".help", ".h", ".?":
		cli.printHelp()

	case ".worlds":
		cli.showWorlds()

	case ".use":
		if len(args) != 1 {
			cli.errorf("Usage: .use <world>")
			break
		}
		world, err := cli.instance.Store.World(args[0])
		if err != nil {
			cli.errorf("%v", err)
			break
		}
		if world.Status.IsTerminal() {
			cli.errorf("world %s is %s", world.ID, world.Status)
			break
		}
		cli.world = world.ID
		cli.successf("Using world: %s", cli.world)

	case ".branch":
		parent := cli.world
		description := ""
		if len(args) > 0 {
			parent = args[0]
			description = strings.Join(args[1:], " ")
		}
		id, err := cli.instance.Branch(parent, description)
		if err != nil {
			cli.errorf("%v", err)
			break
		}
		cli.world = id
		cli.successf("Created %s from %s", id, parent)

	case ".commit":
		id := cli.world
		if len(args) > 0 {
			id = args[0]
		}
		if err := cli.instance.Commit(id); err != nil {
			cli.errorf("%v", err)
			break
		}
		cli.resetWorld(id)
		cli.successf("Committed %s into mainline", id)

	case ".rollback":
		id := cli.world
		if len(args) > 0 {
			id = args[0]
		}
		if err := cli.instance.Rollback(id); err != nil {
			cli.errorf("%v", err)
			break
		}
		cli.resetWorld(id)
		cli.successf("Rolled back %s", id)

	case ".schema", ".tables":
		id := cli.world
		if len(args) > 0 {
			id = args[0]
		}
		schema, err := cli.instance.Schema(ctx, id)
		if err != nil {
			cli.errorf("%v", err)
			break
		}
		fmt.Fprintln(cli.out, schema.String())

	case ".experiment", ".ask":
		if len(args) == 0 {
			cli.errorf("Usage: .experiment <question>")
			break
		}
		question := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), parts[0]))
		cli.runExperiment(ctx, question)

	case ".select":
		cli.selectWorld(args)

	case ".log":
		cli.showTransactions()

	case ".restore":
		if len(args) != 1 {
			cli.errorf("Usage: .restore <transaction>")
			break
		}
		txn, err := cli.instance.Restore(args[0])
		if err != nil {
			cli.errorf("%v", err)
			break
		}
		cli.successf("Restored mainline (transaction %s)", txn.Short())

	case ".clear", ".cls":
		fmt.Fprint(cli.out, "\033[H\033[2J")

	case ".history":
		cli.printHistory()

	case ".version":
		fmt.Fprintf(cli.out, "ForkDB version %s\n", Version)

	case ".import":
		if len(args) != 1 {
			cli.errorf("Usage: .import <file.sql>")
			break
		}
		if err := cli.importFile(ctx, args[0]); err != nil {
			cli.errorf("%v", err)
		}

	default:
		cli.errorf("Unknown command: %s (type .help for commands)", parts[0])
	}

	return false
}

// resetWorld falls back to mainline when the current world became terminal.
func (cli *CLI) resetWorld(id string) {
	if cli.world == id {
		cli.world = core.MainlineID
	}
}

func (cli *CLI) printHelp() {
	fmt.Fprintln(cli.out)
	fmt.Fprintf(cli.out, "%s%sWorlds:%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintln(cli.out, "  .worlds                    List worlds and their status")
	fmt.Fprintln(cli.out, "  .use <world>               Execute statements in a world")
	fmt.Fprintln(cli.out, "  .branch [parent] [desc]    Branch a new world and switch to it")
	fmt.Fprintln(cli.out, "  .commit [world]            Promote a world into mainline")
	fmt.Fprintln(cli.out, "  .rollback [world]          Discard a world")
	fmt.Fprintln(cli.out, "  .schema [world]            Show the schema of a world")
	fmt.Fprintln(cli.out)
	fmt.Fprintf(cli.out, "%s%sExperiments:%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintln(cli.out, "  .experiment <question>     Run competing strategies for a question")
	fmt.Fprintln(cli.out, "  .select [world]            Commit a world of the last experiment")
	fmt.Fprintln(cli.out)
	fmt.Fprintf(cli.out, "%s%sMainline:%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintln(cli.out, "  .log                       List mainline transactions")
	fmt.Fprintln(cli.out, "  .restore <transaction>     Restore mainline to a transaction")
	fmt.Fprintln(cli.out)
	fmt.Fprintf(cli.out, "%s%sShell:%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintln(cli.out, "  .import <file>             Execute SQL statements from a file")
	fmt.Fprintln(cli.out, "  .history                   Show command history")
	fmt.Fprintln(cli.out, "  .clear                     Clear the screen")
	fmt.Fprintln(cli.out, "  .version                   Show version info")
	fmt.Fprintln(cli.out, "  .help, .quit")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "Any other input is SQL for the current world, terminated by ';'.")
	fmt.Fprintln(cli.out)
}

func (cli *CLI) showWorlds() {
	table := db.NewTable(cli.out)
	table.Header([]string{"id", "status", "parent", "description", "failure"})
	for _, world := range cli.instance.Worlds() {
		table.Row([]string{world.ID, string(world.Status), world.Parent, world.Description, world.FailureReason})
	}
	table.Render()
}

func (cli *CLI) showTransactions() {
	transactions, err := cli.instance.History()
	if err != nil {
		cli.errorf("%v", err)
		return
	}

	table := db.NewTable(cli.out)
	table.Header([]string{"id", "when", "kind", "world"})
	for _, txn := range transactions {
		table.Row([]string{txn.Short(), txn.When.Format("2006-01-02 15:04:05"), string(txn.Promotion.Kind), txn.Promotion.World})
	}
	table.Render()
}

func (cli *CLI) runExperiment(ctx context.Context, question string) {
	if cli.experiment == nil {
		oracles, err := cli.instance.Oracles(cli.planFile)
		if err != nil {
			cli.errorf("%v", err)
			return
		}
		cli.experiment = cli.instance.Experiment(oracles, cli.instance.Config.Execution.AutoCommit)
	}

	report, err := cli.experiment.Run(ctx, question)
	if err != nil {
		cli.errorf("%v", err)
		return
	}
	cli.last = &report
	renderReport(cli.out, report)

	if report.Finalize == nil && report.Recommendation != nil {
		fmt.Fprintln(cli.out, "Use .select [world] to commit a world.")
	}
}

func (cli *CLI) selectWorld(args []string) {
	if cli.last == nil {
		cli.errorf("No experiment to select from")
		return
	}

	worldID := ""
	if len(args) > 0 {
		worldID = args[0]
	}

	finalize, err := cli.experiment.Select(cli.last, worldID)
	if err != nil {
		cli.errorf("%v", err)
		return
	}
	if finalize.Selection != nil || finalize.Committed == "" {
		cli.errorf("%s", finalize.Message)
		return
	}

	cli.resetWorld(finalize.Committed)
	for _, id := range finalize.RolledBack {
		cli.resetWorld(id)
	}
	cli.successf("%s", finalize.Message)
}

func (cli *CLI) addToHistory(cmd string) {
	if len(cli.history) > 0 && cli.history[len(cli.history)-1] == cmd {
		return
	}
	cli.history = append(cli.history, cmd)

	if len(cli.history) > maxHistory {
		cli.history = cli.history[len(cli.history)-maxHistory:]
	}
}

func (cli *CLI) printHistory() {
	if len(cli.history) == 0 {
		fmt.Fprintln(cli.out, "No command history")
		return
	}

	start := 0
	if len(cli.history) > 20 {
		start = len(cli.history) - 20
	}

	for i := start; i < len(cli.history); i++ {
		fmt.Fprintf(cli.out, "  %3d  %s\n", i+1, cli.history[i])
	}
}

func getHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".forkdb_history")
}

func (cli *CLI) loadHistory() {
	if cli.historyFile == "" {
		return
	}

	file, err := os.Open(cli.historyFile)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		cli.history = append(cli.history, scanner.Text())
	}
}

func (cli *CLI) saveHistory() {
	if cli.historyFile == "" {
		return
	}

	file, err := os.Create(cli.historyFile)
	if err != nil {
		return
	}
	defer file.Close()

	start := 0
	if len(cli.history) > maxHistory {
		start = len(cli.history) - maxHistory
	}

	for i := start; i < len(cli.history); i++ {
		_, _ = file.WriteString(cli.history[i] + "\n")
	}
}

// importFile executes every statement of a SQL file in the current world.
func (cli *CLI) importFile(ctx context.Context, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	successCount := 0
	errorCount := 0

	for i, text := range sql.Split(string(data)) {
		entry, err := cli.instance.Execute(ctx, cli.world, text)
		if err != nil {
			fmt.Fprintf(cli.out, "%s[%d] ✗ %s%s\n", ErrorColor, i+1, truncate(text, 50), ResetColor)
			fmt.Fprintf(cli.out, "      Error: %v\n", err)
			errorCount++
			continue
		}
		successCount++

		switch entry.Kind {
		case core.QueryKind:
			fmt.Fprintf(cli.out, "%s[%d] ✓ %s (%d rows)%s\n", SuccessColor, i+1, truncate(text, 50), entry.RowCount, ResetColor)
		case core.MutationKind:
			fmt.Fprintf(cli.out, "%s[%d] ✓ %s (%d affected)%s\n", SuccessColor, i+1, truncate(text, 50), entry.AffectedRows, ResetColor)
		}
	}

	fmt.Fprintf(cli.out, "\n%s✓ Import complete: %d succeeded, %d failed%s\n",
		SuccessColor, successCount, errorCount, ResetColor)

	return nil
}

// truncate shortens a string to max length with ellipsis
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
