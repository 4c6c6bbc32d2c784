// Command loco is a minimal diagnostic CLI: it exposes exactly the
// operations a host integration needs to poke at an opened repository
// from a terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	engine "github.com/locotrace/engine"
)

var configFile = "loco.toml"

// config is the diagnostic CLI's on-disk configuration: the models
// directory and the external trainer binary.
type config struct {
	ModelsDir     string `toml:"models_dir"`
	TrainerBinary string `toml:"trainer_binary"`
}

func loadConfig(path string) (config, error) {
	cfg := config{ModelsDir: "models"}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decoding config file: %w", err)
	}
	if len(md.Undecoded()) > 0 {
		return cfg, fmt.Errorf("unrecognized key(s) in config file: %+v", md.Undecoded())
	}
	return cfg, nil
}

func init() {
	flag.StringVar(&configFile, "config", configFile, "The path to the config file to load")
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		log.Fatal("[FATAL] usage: loco <ping|process|export|backup|import|train> <repo> [args...]")
	}
	subcmd, repoDir, rest := args[0], args[1], args[2:]

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("[FATAL] %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("[FATAL] building logger: %v", err)
	}
	defer logger.Sync()

	store, err := engine.OpenStore(repoDir, logger)
	if err != nil {
		log.Fatalf("[FATAL] opening store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	switch subcmd {
	case "ping":
		runPing(ctx, store)
	case "process":
		if len(rest) != 1 {
			log.Fatal("[FATAL] usage: loco process <repo> <item-id>")
		}
		runProcess(ctx, store, engine.ID(rest[0]))
	case "export":
		if len(rest) != 1 {
			log.Fatal("[FATAL] usage: loco export <repo> <dest>")
		}
		runExport(ctx, store, rest[0])
	case "backup":
		if len(rest) != 1 {
			log.Fatal("[FATAL] usage: loco backup <repo> <dest>")
		}
		runBackup(ctx, store, rest[0])
	case "import":
		if len(rest) != 1 {
			log.Fatal("[FATAL] usage: loco import <repo> <src>")
		}
		runImport(ctx, store, rest[0])
	case "train":
		runTrain(ctx, store, cfg)
	default:
		log.Fatalf("[FATAL] unknown subcommand %q", subcmd)
	}
}

// runPing feeds a synthetic sensor tick, hands the resulting sample to
// the recorder, and prints the sample's id, moving state and recording
// state.
func runPing(ctx context.Context, store *engine.Store) {
	assembler := engine.NewSampleAssembler(store, "loco-ping", "1")
	now := time.Now().UTC()
	assembler.OnLocation(engine.KalmanFixInput{
		Date:               now,
		Latitude:           0,
		Longitude:          0,
		HorizontalAccuracy: 5,
	}, 0, 5)

	sample, err := assembler.Tick(ctx, now)
	if err != nil {
		log.Fatalf("[FATAL] assembling ping sample: %v", err)
	}

	recorder := engine.NewTimelineRecorder(store)
	if err := recorder.Record(ctx, sample); err != nil {
		log.Fatalf("[FATAL] recording ping sample: %v", err)
	}

	fmt.Printf("sample=%s movingState=%s recordingState=%d\n", sample.ID, sample.MovingState, sample.RecordingState)
}

func runProcess(ctx context.Context, store *engine.Store, itemID engine.ID) {
	proc := engine.NewTimelineProcessor(store)
	if err := proc.ProcessWindow(ctx, itemID); err != nil {
		log.Fatalf("[FATAL] processing window around %s: %v", itemID, err)
	}
	fmt.Printf("processed window around %s\n", itemID)
}

func runExport(ctx context.Context, store *engine.Store, dest string) {
	exporter := engine.NewExporter(store)
	dir, err := exporter.Export(ctx, dest, time.Now().UTC())
	if err != nil {
		log.Fatalf("[FATAL] exporting: %v", err)
	}
	fmt.Printf("exported to %s\n", dir)
}

func runBackup(ctx context.Context, store *engine.Store, dest string) {
	session := engine.NewBackupSession(store)
	dir, err := session.Run(ctx, dest, time.Now().UTC())
	if err != nil {
		log.Fatalf("[FATAL] backing up: %v", err)
	}
	if dir == "" {
		fmt.Println("backup: nothing changed")
		return
	}
	fmt.Printf("backed up to %s\n", dir)
}

func runImport(ctx context.Context, store *engine.Store, src string) {
	importer := engine.NewImporter(store)
	summary, err := importer.Import(ctx, src)
	if err != nil {
		log.Fatalf("[FATAL] importing: %v", err)
	}
	fmt.Printf("imported places=%d items=%d samples=%d edgesRestored=%d edgesSkipped=%d\n",
		summary.PlaceCount, summary.ItemCount, summary.SampleCount, summary.EdgesRestored, summary.EdgesSkipped)
}

func runTrain(ctx context.Context, store *engine.Store, cfg config) {
	models := engine.NewFileModelStore(store, cfg.ModelsDir)
	tree, err := engine.NewClassifierTree(models, 1024)
	if err != nil {
		log.Fatalf("[FATAL] building classifier tree: %v", err)
	}
	trainer := &engine.SubprocessTrainer{BinaryPath: cfg.TrainerBinary}
	updater := engine.NewModelUpdater(store, trainer, cfg.ModelsDir, tree)

	ran, err := updater.RunOnce(ctx)
	if err != nil {
		log.Fatalf("[FATAL] training: %v", err)
	}
	if !ran {
		fmt.Println("train: nothing eligible")
		return
	}
	fmt.Println("train: one model retrained")
}
