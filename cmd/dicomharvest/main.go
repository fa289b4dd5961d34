package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/mrsinham/dicomharvest/internal/extract"
	"github.com/mrsinham/dicomharvest/internal/locate"
	"github.com/mrsinham/dicomharvest/internal/match"
	"github.com/mrsinham/dicomharvest/internal/model"
	"github.com/mrsinham/dicomharvest/internal/organs"
	"github.com/mrsinham/dicomharvest/internal/segmentation"
	"github.com/mrsinham/dicomharvest/internal/series"
	"github.com/mrsinham/dicomharvest/internal/store"
	"github.com/mrsinham/dicomharvest/internal/util"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	patientsDir := flag.String("patients", "", "Root directory with one sub-directory per patient (required)")
	output := flag.String("output", "patient_dataset.h5", "Destination database file (.h5 appended when missing)")
	criteriaFile := flag.String("series-descriptions", "", "YAML file mapping record names to accepted series descriptions")
	organsFile := flag.String("organs", "", "YAML file mapping canonical organ names to accepted segment labels")
	segmentationsDir := flag.String("segmentations", "", "Shared directory holding segmentation files for all patients")
	patientPrefix := flag.String("patient-prefix", "Patient", "Filename token prefixing the patient number in shared segmentation files")
	overwrite := flag.Bool("overwrite", false, "Replace the destination database if it exists")
	noGeometry := flag.Bool("no-geometry-attrs", false, "Skip Size/Origin/Spacing/Direction group attributes")
	interactive := flag.Bool("interactive", false, "Offer a picker when a record name matches no series")
	verbose := flag.Bool("v", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version")

	var attributeNames []string
	flag.Func("attribute", "Metadata field written as a group attribute (repeatable)", func(s string) error {
		attributeNames = append(attributeNames, s)
		return nil
	})

	flag.Parse()

	if *showVersion {
		fmt.Printf("dicomharvest %s\n", version)
		os.Exit(0)
	}

	if *patientsDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --patients is required")
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, config{
		patientsDir:      *patientsDir,
		output:           *output,
		criteriaFile:     *criteriaFile,
		organsFile:       *organsFile,
		segmentationsDir: *segmentationsDir,
		patientPrefix:    *patientPrefix,
		overwrite:        *overwrite,
		geometryAttrs:    !*noGeometry,
		interactive:      *interactive,
		attributeNames:   attributeNames,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type config struct {
	patientsDir      string
	output           string
	criteriaFile     string
	organsFile       string
	segmentationsDir string
	patientPrefix    string
	overwrite        bool
	geometryAttrs    bool
	interactive      bool
	attributeNames   []string
}

func run(logger *slog.Logger, cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	criteria := match.New()
	if cfg.criteriaFile != "" {
		var err error
		criteria, err = match.LoadFile(cfg.criteriaFile)
		if err != nil {
			return err
		}
	}

	var aliases *organs.AliasTable
	if cfg.organsFile != "" {
		var err error
		aliases, err = organs.LoadFile(cfg.organsFile)
		if err != nil {
			return err
		}
	}

	attributes, err := util.ParseAttributeNames(cfg.attributeNames)
	if err != nil {
		return err
	}
	if len(attributes) == 0 {
		attributes = util.AllTags()
	}

	var locatorOpts []locate.Option
	if cfg.segmentationsDir != "" {
		locatorOpts = append(locatorOpts, locate.WithSegmentationsDir(cfg.segmentationsDir))
	}
	if cfg.patientPrefix != "" {
		locatorOpts = append(locatorOpts, locate.WithPatientPrefix(cfg.patientPrefix))
	}

	var confirmer extract.Confirmer
	if cfg.interactive {
		confirmer = &formConfirmer{}
	}

	extractor, err := extract.New(extract.Config{
		Locator:   locate.New(cfg.patientsDir, logger, locatorOpts...),
		Grouper:   series.NewGrouper(logger),
		Resolver:  segmentation.NewResolver(aliases, logger),
		Criteria:  criteria,
		Confirmer: confirmer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	db := store.NewDatabase(cfg.output, logger)
	result, err := db.Create(ctx, extractor, store.Options{
		Overwrite:     cfg.overwrite,
		Attributes:    attributes,
		GeometryAttrs: cfg.geometryAttrs,
	})
	if errors.Is(err, store.ErrDatabaseExists) {
		return fmt.Errorf("%w (use --overwrite to replace it)", err)
	}
	if err != nil {
		return err
	}

	printSummary(db.Path(), result, extractor.Failures())
	return nil
}

// printSummary renders the run outcome: counts first, then one row per
// recovered failure.
func printSummary(path string, result store.Result, failures []model.FailureRecord) {
	fmt.Printf("\n%d patient(s) written to %s, %d failed\n", result.Written, path, result.Failed)

	if len(failures) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Patient", "Reason", "Detail"})
	for _, f := range failures {
		t.AppendRow(table.Row{f.PatientID, string(f.Reason), truncate(f.Detail, 80)})
	}
	t.Render()
}

// truncate shortens s to at most n runes, ellipsis included. Cutting on
// runes keeps multi-byte characters intact.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n-3])) + "..."
}
