package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cms_migrator_syncer/internal/config"
	"cms_migrator_syncer/internal/db"
	"cms_migrator_syncer/internal/diff"
	"cms_migrator_syncer/internal/logging"
	"cms_migrator_syncer/internal/migrate"
	"cms_migrator_syncer/internal/registry"
	"cms_migrator_syncer/internal/storage"
)

// errDifferences makes compare exit non-zero without printing an extra error.
var errDifferences = errors.New("databases differ")

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var run func([]string) error
	switch cmd {
	case "migrate", "up":
		run = migrateCmd
	case "rollback", "down":
		run = rollbackCmd
	case "status":
		run = statusCmd
	case "pending":
		run = pendingCmd
	case "compare", "diff":
		run = compareCmd
	case "new":
		run = newCmd
	case "list-units":
		run = listUnitsCmd
	case "init-config":
		run = initConfigCmd
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := run(args); err != nil {
		if !errors.Is(err, errDifferences) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`cms_migrator_syncer commands:
  migrate, up      - apply every pending migration unit
  rollback, down   - revert the most recently applied unit
  status           - show applied, failed and pending units
  pending          - list units not applied yet
  compare, diff    - compare two databases (schema, row counts, data)
  new              - scaffold a new unit in a migrations directory
  list-units       - list units stored in a migrations directory
  init-config      - create a starter config.yaml

Flags are command specific; run "<cmd> -h" for details.`)
}

// common holds the flags shared by the commands that touch the database.
type common struct {
	configPath    *string
	dbPath        *string
	migrationsDir *string
	timeout       *time.Duration
}

func commonFlags(fs *flag.FlagSet) common {
	return common{
		configPath:    fs.String("config", "", "path to config file (default $CMSDB_CONFIG)"),
		dbPath:        fs.String("db", "", "database path or DSN (overrides config and DB_PATH)"),
		migrationsDir: fs.String("migrations", "", "directory of .up.sql/.down.sql units (default: built-in units)"),
		timeout:       fs.Duration("timeout", 5*time.Minute, "overall time limit"),
	}
}

func (c common) load() (*config.Config, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, err
	}
	if *c.dbPath != "" {
		cfg.Database.DSN = *c.dbPath
	}
	if *c.migrationsDir != "" {
		cfg.MigrationsDir = *c.migrationsDir
	}
	return cfg, nil
}

func (c common) runContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, *c.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// session is an opened database plus the runner over it.
type session struct {
	cfg     *config.Config
	adapter db.Adapter
	runner  *migrate.Runner
}

func (c common) open() (*session, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	reg, err := loadRegistry(cfg.MigrationsDir)
	if err != nil {
		return nil, err
	}
	adapter, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("provider", adapter.Provider()).Int("units", reg.Len()).Msg("database opened")
	return &session{
		cfg:     cfg,
		adapter: adapter,
		runner:  migrate.New(adapter, reg, logger),
	}, nil
}

func (s *session) Close() error { return s.adapter.Close() }

func loadRegistry(dir string) (*registry.Registry, error) {
	if dir == "" {
		return registry.Embedded()
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("migrations directory: %w", err)
	}
	return registry.Load(os.DirFS(dir), ".")
}

func migrateCmd(args []string) error {
	fs := flagSet("migrate")
	c := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := c.runContext()
	defer cancel()

	res, err := s.runner.Up(ctx)
	fmt.Printf("applied=%d skipped=%d failed=%s already_applied=%d duration=%s\n",
		len(res.Applied), res.Skipped, orNone(res.Failed), res.AlreadyApplied, res.Duration.Round(time.Millisecond))
	return err
}

func rollbackCmd(args []string) error {
	fs := flagSet("rollback")
	c := commonFlags(fs)
	steps := fs.Int("steps", 1, "number of units to revert, newest first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return fmt.Errorf("-steps must be at least 1")
	}
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := c.runContext()
	defer cancel()

	for i := 0; i < *steps; i++ {
		res, err := s.runner.Rollback(ctx)
		if errors.Is(err, migrate.ErrNothingToRollback) && i > 0 {
			fmt.Println("nothing left to roll back")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("rolled_back=%s skipped=%d duration=%s\n", res.Unit, res.Skipped, res.Duration.Round(time.Millisecond))
	}
	return nil
}

func statusCmd(args []string) error {
	fs := flagSet("status")
	c := commonFlags(fs)
	limit := fs.Int("limit", 0, "show at most this many applied units (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := c.runContext()
	defer cancel()

	st, err := s.runner.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Database: %s (%s)\n", s.cfg.Database.DSN, s.adapter.Provider())
	fmt.Printf("Applied (%d):\n", len(st.Applied))
	for i, rec := range st.Applied {
		if *limit > 0 && i >= *limit {
			fmt.Printf("  ... and %d more\n", len(st.Applied)-i)
			break
		}
		fmt.Printf("  %s  %s\n", rec.ExecutedAt.Format(time.DateTime), rec.Filename)
	}
	if len(st.Failed) > 0 {
		fmt.Printf("Failed (%d):\n", len(st.Failed))
		for _, rec := range st.Failed {
			fmt.Printf("  %s  %s  %s\n", rec.ExecutedAt.Format(time.DateTime), rec.Filename, rec.ErrorMessage.String)
		}
	}
	printUnits(st.Pending)
	if len(st.Missing) > 0 {
		fmt.Printf("Applied but unknown to this build: %s\n", strings.Join(st.Missing, ", "))
	}
	return nil
}

func pendingCmd(args []string) error {
	fs := flagSet("pending")
	c := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := c.runContext()
	defer cancel()

	pending, err := s.runner.Pending(ctx)
	if err != nil {
		return err
	}
	printUnits(pending)
	return nil
}

func printUnits(units []registry.Unit) {
	if len(units) == 0 {
		fmt.Println("Pending: none, database is up to date")
		return
	}
	fmt.Printf("Pending (%d):\n", len(units))
	for _, u := range units {
		reverse := ""
		if !migrate.Reversible(u) {
			reverse = "  (no rollback)"
		}
		fmt.Printf("  %s%s\n", u.Key, reverse)
	}
}

func compareCmd(args []string) error {
	fs := flagSet("compare")
	configPath := fs.String("config", "", "path to config file (default $CMSDB_CONFIG)")
	source := fs.String("source", "", "source database path (overrides config)")
	target := fs.String("target", "", "target database path (overrides config)")
	key := fs.String("key", "", "row identifier column (default id)")
	exclude := fs.String("exclude", "", "comma separated tables to skip (replaces config list)")
	requireKey := fs.Bool("require-key", false, "fail when a table lacks the key column instead of skipping it")
	reportPath := fs.String("report", "", "where to write the JSON report when differences exist")
	schemaOnly := fs.Bool("schema-only", false, "compare table structure by column name only")
	maxIssues := fs.Int("max-issues", 10, "row differences printed per table (0 = all)")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall time limit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cc := cfg.Compare
	if *source != "" {
		cc.Source = config.DBConfig{Provider: "sqlite", DSN: *source}
	}
	if *target != "" {
		cc.Target = config.DBConfig{Provider: "sqlite", DSN: *target}
	}
	if *key != "" {
		cc.KeyColumn = *key
	}
	if *exclude != "" {
		cc.ExcludeTables = strings.Split(*exclude, ",")
		for i := range cc.ExcludeTables {
			cc.ExcludeTables[i] = strings.TrimSpace(cc.ExcludeTables[i])
		}
	}
	if *requireKey {
		cc.RequireKey = true
	}
	if *reportPath != "" {
		cc.ReportPath = *reportPath
	}
	if cc.Source.DSN == "" || cc.Target.DSN == "" {
		return fmt.Errorf("-source and -target are required (or set compare.source/compare.target in the config)")
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if *schemaOnly {
		d, err := diff.SchemasConfigured(ctx, cc)
		if err != nil {
			return err
		}
		fmt.Println(diff.Describe(d))
		if d.HasChanges() {
			return errDifferences
		}
		return nil
	}

	report, err := diff.RunConfigured(ctx, cc, logger)
	if err != nil {
		return err
	}
	fmt.Print(report.Describe(*maxIssues))
	if !report.HasDifferences() {
		return nil
	}
	if err := report.WriteFile(cc.ReportPath); err != nil {
		return err
	}
	fmt.Println("detailed report written to", cc.ReportPath)
	return errDifferences
}

func newCmd(args []string) error {
	fs := flagSet("new")
	dir := fs.String("dir", "./migrations", "migrations directory")
	name := fs.String("name", "", "unit name, e.g. add_display_order")
	from := fs.String("from", "", "existing forward SQL file to store")
	rollback := fs.String("rollback", "", "existing rollback SQL file to store (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" && fs.NArg() > 0 {
		*name = fs.Arg(0)
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	var (
		unit storage.UnitFiles
		err  error
	)
	if *from != "" {
		unit, err = storage.StoreUnitFiles(*dir, *name, *from, *rollback, time.Now())
	} else {
		up := fmt.Sprintf("-- %s: forward changes\n", *name)
		down := fmt.Sprintf("-- %s: revert the forward changes\n", *name)
		unit, err = storage.NewUnit(*dir, *name, up, down, time.Now())
	}
	if err != nil {
		return err
	}
	fmt.Println("created", unit.UpFile)
	if unit.DownFile != "" {
		fmt.Println("created", unit.DownFile)
	}
	return nil
}

func listUnitsCmd(args []string) error {
	fs := flagSet("list-units")
	dir := fs.String("dir", "./migrations", "migrations directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	units, err := storage.ListUnits(*dir)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		fmt.Println("no units stored in", *dir)
		return nil
	}
	for _, u := range units {
		reverse := "down"
		if u.DownFile == "" {
			reverse = "forward-only"
		}
		fmt.Printf("%s  %s  %s\n", u.Key, u.Checksum[:12], reverse)
	}
	return nil
}

func initConfigCmd(args []string) error {
	fs := flagSet("init-config")
	path := fs.String("path", "config.yaml", "where to write the sample config")
	dbPath := fs.String("db", config.DefaultDBPath, "database path written into the sample")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err == nil {
		return fmt.Errorf("%s already exists", *path)
	}
	if err := os.WriteFile(*path, []byte(config.Sample(*dbPath)), 0o644); err != nil {
		return err
	}
	fmt.Println("sample config written to", *path)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	return fs
}
