package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/gops/agent"
	"github.com/poiesic/similarity"
	"github.com/poiesic/similarity/config"
	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/storage"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
)

const progressPollInterval = 250 * time.Millisecond

// openDatabase opens the database described by the configuration file and
// environment, with --db overriding the storage path.
func openDatabase(c *cli.Context) (*similarity.Database, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if path := c.String("db"); path != "" {
		cfg.Storage.Path = path
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	compression, err := cfg.Compression()
	if err != nil {
		return nil, err
	}

	opts := []similarity.DatabaseOption{
		similarity.WithAIConfig(cfg.AIConfig()),
		similarity.WithFetchConfig(cfg.FetchConfig()),
		similarity.WithFinetuneConfig(cfg.FinetuneConfig()),
		similarity.WithCompression(compression),
		similarity.WithDefaultTopK(cfg.Search.TopK),
		similarity.WithLogger(slog.Default()),
	}
	if cfg.Storage.Backend == config.BackendPostgres {
		opts = append(opts, similarity.WithPostgres(cfg.Storage.PostgresURL))
	}

	return similarity.NewDatabase(cfg.Storage.Path, opts...)
}

func withDatabase(open opener, action func(*cli.Context, *similarity.Database) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		db, err := open(c)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		return action(c, db)
	}
}

func collectionID(c *cli.Context) core.ID {
	return core.ID(c.Uint64("id"))
}

func collectionCreateCommand(c *cli.Context, db *similarity.Database) error {
	collection, err := db.CreateCollection(c.Context, c.String("name"), c.String("source-tag"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s %d\n", color.GreenString("Created collection"), collection.Id)
	return nil
}

func collectionListCommand(c *cli.Context, db *similarity.Database) error {
	collections, err := db.ListCollections(c.Context)
	if err != nil {
		return err
	}
	if len(collections) == 0 {
		fmt.Fprintln(c.App.Writer, "No collections")
		return nil
	}
	for _, collection := range collections {
		fmt.Fprintf(c.App.Writer, "%-6d %-30s %s\n", collection.Id, collection.Name, collectionState(collection))
	}
	return nil
}

func collectionState(collection *core.Collection) string {
	switch {
	case collection.Running():
		return color.CyanString("finetuning %d%%", *collection.FinetuningProgress)
	case collection.RequiresFinetuning():
		return color.YellowString("requires finetuning")
	default:
		return color.GreenString("ready")
	}
}

func collectionInfoCommand(c *cli.Context, db *similarity.Database) error {
	info, err := db.Info(c.Context, collectionID(c))
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "ID:              %d\n", info.Id)
	fmt.Fprintf(w, "Name:            %s\n", info.Name)
	if info.SourceTag != "" {
		fmt.Fprintf(w, "Source tag:      %s\n", info.SourceTag)
	}
	fmt.Fprintf(w, "Created:         %s\n", info.Created.Format(time.RFC3339))
	fmt.Fprintf(w, "Last modified:   %s\n", info.LastModified.Format(time.RFC3339))
	if info.LastFinetuned != nil {
		fmt.Fprintf(w, "Last finetuned:  %s\n", info.LastFinetuned.Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "Last finetuned:  never\n")
	}
	fmt.Fprintf(w, "Items:           %d\n", info.Items)
	fmt.Fprintf(w, "Feature rows:    %d\n", info.FeatureRows)
	if info.FinetuningProgress != nil {
		fmt.Fprintf(w, "Progress:        %s\n", color.CyanString("%d%%", *info.FinetuningProgress))
	}
	if info.SchemaMismatch {
		fmt.Fprintf(w, "Schema:          %s\n", color.RedString("dimension mismatch"))
	}
	if info.Stale {
		fmt.Fprintf(w, "State:           %s\n", color.YellowString("stale"))
	} else {
		fmt.Fprintf(w, "State:           %s\n", color.GreenString("ready"))
	}
	if info.LastReport != nil {
		printReport(w, info.LastReport)
	}
	return nil
}

func collectionDeleteCommand(c *cli.Context, db *similarity.Database) error {
	id := collectionID(c)
	if err := db.DeleteCollection(c.Context, id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s %d\n", color.GreenString("Deleted collection"), id)
	return nil
}

func contentReplaceCommand(c *cli.Context, db *similarity.Database) error {
	var r io.Reader = c.App.Reader
	if path := c.String("file"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	var rows []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		rows = append(rows, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading content: %w", err)
	}

	collection, err := db.ReplaceContent(c.Context, collectionID(c), rows)
	if err != nil {
		return err
	}
	info, err := db.Info(c.Context, collection.Id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s %d items in collection %d\n",
		color.GreenString("Stored"), info.Items, collection.Id)
	return nil
}

func contentExportCommand(c *cli.Context, db *similarity.Database) error {
	w := c.App.Writer
	if path := c.String("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return db.ExportCSV(c.Context, collectionID(c), w)
}

func finetuneCommand(c *cli.Context, db *similarity.Database) error {
	var ids []core.ID
	switch {
	case c.Bool("stale") && c.IsSet("id"):
		return errors.New("--id and --stale are mutually exclusive")
	case c.Bool("stale"):
		triggered, err := db.FinetuneStale(c.Context)
		if err != nil {
			return err
		}
		ids = triggered
	case c.IsSet("id"):
		id := collectionID(c)
		if err := db.TriggerFinetune(c.Context, id); err != nil {
			return err
		}
		ids = []core.ID{id}
	default:
		return errors.New("one of --id or --stale is required")
	}

	if len(ids) == 0 {
		fmt.Fprintln(c.App.Writer, "Nothing to finetune")
		return nil
	}

	// Jobs run in this process, so the command always waits for them.
	if c.Bool("quiet") {
		db.Wait()
	} else {
		waitWithProgress(c, db, ids)
	}

	var failed int
	for _, id := range ids {
		info, err := db.Info(c.Context, id)
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(c.App.Writer, "Collection %d: %s\n", id, color.YellowString("deleted"))
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Collection %d:\n", id)
		if info.LastReport != nil {
			printReport(c.App.Writer, info.LastReport)
			if info.LastReport.Outcome == core.OutcomeFailed {
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d finetune job(s) failed", failed)
	}
	return nil
}

// waitWithProgress blocks until every triggered job ends, rendering their
// combined progress. A job is done once its progress is cleared.
func waitWithProgress(c *cli.Context, db *similarity.Database, ids []core.ID) {
	done := make(chan struct{})
	go func() {
		db.Wait()
		close(done)
	}()

	bar := getProgressBar(c.App.ErrWriter, len(ids)*100, "Finetuning")
	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			bar.Finish()
			fmt.Fprintln(c.App.ErrWriter)
			return
		case <-ticker.C:
			total := 0
			for _, id := range ids {
				info, err := db.Info(c.Context, id)
				if err != nil || info.FinetuningProgress == nil {
					total += 100
					continue
				}
				total += *info.FinetuningProgress
			}
			bar.Set(total)
		}
	}
}

func getProgressBar(w io.Writer, total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(color.BlueString("%s", description)),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func printReport(w io.Writer, report *core.FinetuneReport) {
	var outcome string
	switch report.Outcome {
	case core.OutcomeCompleted:
		outcome = color.GreenString("%s", report.Outcome)
	case core.OutcomeSuperseded:
		outcome = color.YellowString("%s", report.Outcome)
	default:
		outcome = color.RedString("%s", report.Outcome)
	}
	fmt.Fprintf(w, "Last finetune:   %s (%d/%d embedded, %s)\n",
		outcome, report.Embedded, report.Total,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if len(report.Dropped) > 0 {
		fmt.Fprintf(w, "Dropped rows:    %v\n", report.Dropped)
	}
	if report.Error != "" {
		fmt.Fprintf(w, "Error:           %s\n", color.RedString("%s", report.Error))
	}
}

func searchCommand(c *cli.Context, db *similarity.Database) error {
	var images [][]byte
	for _, path := range c.StringSlice("image") {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		images = append(images, data)
	}

	results, err := db.Search(c.Context, collectionID(c), images,
		c.Int("top-k"), float32(c.Float64("threshold")))
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(c.App.Writer, "No matches")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(c.App.Writer, "%2d. %s %s (row %d, source %s)\n",
			i+1, color.CyanString("%.4f", r.Score), r.ReferenceURL, r.Row, r.SourceURL)
	}
	return nil
}

func sweepCommand(c *cli.Context, db *similarity.Database) error {
	// NewDatabase already swept; report what is left running.
	reset, err := db.Sweep(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s %d collection(s)\n", color.GreenString("Reset"), len(reset))
	return nil
}

func serveCommand(c *cli.Context, db *similarity.Database) error {
	if c.Bool("gops") {
		if err := agent.Listen(agent.Options{}); err != nil {
			slog.Warn("failed to start gops agent", "err", err)
		} else {
			defer agent.Close()
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := c.Duration("interval")
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s", interval)
	}
	slog.Info("finetune daemon started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		finetuneStale(ctx, db)
		select {
		case <-ctx.Done():
			slog.Info("finetune daemon stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func finetuneStale(ctx context.Context, db *similarity.Database) {
	ids, err := db.FinetuneStale(ctx)
	if err != nil {
		slog.Error("failed to trigger stale collections", "err", err)
		return
	}
	if len(ids) > 0 {
		slog.Info("triggered finetune jobs", "collections", ids)
	}
}
