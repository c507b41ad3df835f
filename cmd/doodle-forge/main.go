package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"doodle-forge/internal/config"
	"doodle-forge/internal/dataset"
	"doodle-forge/internal/model"
	"doodle-forge/internal/preprocess"
	"doodle-forge/internal/server"
	"doodle-forge/internal/store"
	"doodle-forge/internal/tensor"
	"doodle-forge/internal/trainer"
	"doodle-forge/internal/visor"
)

const usage = `usage: doodle-forge <command> [flags]

commands:
  add      store one labeled drawing
  import   stream shard directories into the store
  list     print stored samples
  count    print the number of stored samples
  clear    remove all samples, keeping the key counter
  destroy  delete the whole dataset
  train    train on every stored sample and save the model
  predict  classify an image file with a saved model
  serve    run the HTTP API and dashboard
`

type commonFlags struct {
	config  *string
	driver  *string
	path    *string
	table   *string
	classes *string
	seed    *int64
	workers *int
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		config:  fs.String("config", "", "Path to YAML config (defaults when empty)"),
		driver:  fs.String("driver", "", "Store driver: sqlite or bolt"),
		path:    fs.String("store", "", "Store file path"),
		table:   fs.String("table", "", "Dataset table or bucket name"),
		classes: fs.String("classes", "", "Comma separated class names, in index order"),
		seed:    fs.Int64("seed", 0, "PRNG seed"),
		workers: fs.Int("workers", 0, "Worker goroutines"),
	}
}

// load reads the config file (if any), applies overrides and validates.
func (c *commonFlags) load(extra config.Overrides) *config.Config {
	cfg := config.Default()
	if *c.config != "" {
		var err error
		if cfg, err = config.Load(*c.config); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	extra.StoreDriver = *c.driver
	extra.StorePath = *c.path
	extra.Table = *c.table
	extra.Classes = config.SplitList(*c.classes)
	extra.Seed = *c.seed
	extra.Workers = *c.workers
	cfg.ApplyOverrides(extra)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	return cfg
}

func openStore(ctx context.Context, cfg *config.Config) *store.Store {
	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	return st
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "add":
		runAdd(ctx, args)
	case "import":
		runImport(ctx, args)
	case "list":
		runList(ctx, args)
	case "count":
		runCount(ctx, args)
	case "clear":
		runClear(ctx, args)
	case "destroy":
		runDestroy(ctx, args)
	case "train":
		runTrain(ctx, args)
	case "predict":
		runPredict(ctx, args)
	case "serve":
		runServe(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func runAdd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	common := registerCommon(fs)
	label := fs.String("label", "", "Sample label")
	imagePath := fs.String("image", "", "Image file (png, jpeg, gif, bmp, tiff or webp)")
	fs.Parse(args)
	cfg := common.load(config.Overrides{})

	f, err := os.Open(*imagePath)
	if err != nil {
		log.Fatalf("open image: %v", err)
	}
	img, format, err := preprocess.Decode(f)
	f.Close()
	if err != nil {
		log.Fatalf("decode %s: %v", *imagePath, err)
	}

	st := openStore(ctx, cfg)
	defer st.Close()
	key, err := st.Add(ctx, img, *label)
	if err != nil {
		log.Fatalf("add: %v", err)
	}
	log.Printf("key=%d label=%s format=%s size=%dx%d", key, *label, format, img.Width, img.Height)
}

func runImport(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	common := registerCommon(fs)
	roots := fs.String("roots", "", "Comma separated shard directories")
	limit := fs.Int("limit", 0, "Stop after this many records")
	fs.Parse(args)
	cfg := common.load(config.Overrides{ImportRoots: config.SplitList(*roots)})
	if len(cfg.Import.Roots) == 0 {
		log.Fatalf("import: no roots given")
	}
	if *limit > 0 {
		cfg.Import.Limit = *limit
	}

	_, err := trainer.Import(ctx, trainer.ImportConfig{
		Store: cfg.StoreOptions(),
		Import: dataset.ImportOptions{
			Roots:      cfg.Import.Roots,
			Seed:       cfg.Import.Seed,
			NumWorkers: cfg.Import.NumWorkers,
			Limit:      cfg.Import.Limit,
		},
	})
	if err != nil {
		log.Fatalf("import failed: %v", err)
	}
}

func runList(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	common := registerCommon(fs)
	low := fs.Int64("low", 0, "First key, inclusive")
	high := fs.Int64("high", -1, "Last key, inclusive (-1 lists everything)")
	fs.Parse(args)
	cfg := common.load(config.Overrides{})

	st := openStore(ctx, cfg)
	defer st.Close()
	var (
		samples []store.Sample
		err     error
	)
	if *high < 0 {
		samples, err = st.GetAll(ctx)
	} else {
		samples, err = st.GetRange(ctx, *low, *high)
	}
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	for _, s := range samples {
		fmt.Printf("key=%d label=%s size=%dx%d\n", s.Key, s.Label, s.Image.Width, s.Image.Height)
	}
}

func runCount(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("count", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(args)
	cfg := common.load(config.Overrides{})

	st := openStore(ctx, cfg)
	defer st.Close()
	n, err := st.Count(ctx)
	if err != nil {
		log.Fatalf("count: %v", err)
	}
	fmt.Println(n)
}

func runClear(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(args)
	cfg := common.load(config.Overrides{})

	st := openStore(ctx, cfg)
	defer st.Close()
	if err := st.Clear(ctx); err != nil {
		log.Fatalf("clear: %v", err)
	}
	log.Printf("cleared table=%s", st.Table())
}

func runDestroy(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("destroy", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(args)
	cfg := common.load(config.Overrides{})

	st := openStore(ctx, cfg)
	if err := st.Destroy(ctx); err != nil {
		log.Fatalf("destroy: %v", err)
	}
	log.Printf("destroyed table=%s", cfg.Store.Table)
}

func runTrain(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	common := registerCommon(fs)
	epochs := fs.Int("epochs", 0, "Training epochs")
	batchSize := fs.Int("batch-size", 0, "Batch size")
	logEvery := fs.Int("log-every", 0, "Log every N batches")
	artifact := fs.String("artifact", "", "Where to save the trained model")
	resume := fs.String("resume", "", "Continue from this artifact (path or URL)")
	dashboard := fs.Bool("dashboard", false, "Serve the live dashboard while training")
	addr := fs.String("addr", "", "Dashboard listen address")
	fs.Parse(args)
	cfg := common.load(config.Overrides{
		Epochs:    *epochs,
		BatchSize: *batchSize,
		LogEvery:  *logEvery,
		Artifact:  *artifact,
		Dashboard: *dashboard,
		Addr:      *addr,
	})

	runCfg := trainer.RunConfig{
		Store:    cfg.StoreOptions(),
		Classes:  cfg.Model.Classes,
		Build:    cfg.BuildConfig(),
		Train:    cfg.TrainOptions(),
		Resume:   *resume,
		Artifact: cfg.Model.Artifact,
		Seed:     cfg.Model.Seed,
		Workers:  cfg.Model.Workers,
		LogEvery: cfg.Train.LogEvery,
	}
	if cfg.Dashboard.Enabled {
		dash := visor.NewDashboard(visor.DashboardOptions{BatchHistory: cfg.Dashboard.BatchHistory})
		defer dash.Close()
		srv := &http.Server{Addr: cfg.Dashboard.Addr, Handler: dash, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("dashboard: %v", err)
			}
		}()
		defer srv.Close()
		log.Printf("dashboard addr=%s", cfg.Dashboard.Addr)
		runCfg.Dashboard = dash
	}

	rep, err := trainer.Run(ctx, runCfg)
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	log.Printf("run=%s samples=%d accuracy=%.4f elapsed=%s", rep.RunID, rep.Samples, rep.Evaluation.Accuracy, rep.Elapsed.Round(time.Millisecond))
}

func runPredict(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config (defaults when empty)")
	artifact := fs.String("artifact", "", "Model artifact path or URL")
	imagePath := fs.String("image", "", "Image file to classify")
	top := fs.Int("top", 0, "Print only the N most likely classes")
	workers := fs.Int("workers", 0, "Worker goroutines")
	fs.Parse(args)

	src := *artifact
	if src == "" {
		cfg := config.Default()
		if *configPath != "" {
			var err error
			if cfg, err = config.Load(*configPath); err != nil {
				log.Fatalf("failed to load config: %v", err)
			}
		}
		src = cfg.Model.Artifact
	}
	_, err := trainer.Predict(ctx, trainer.PredictConfig{Artifact: src, Image: *imagePath, Top: *top, Workers: *workers}, os.Stdout)
	if err != nil {
		log.Fatalf("predict failed: %v", err)
	}
}

func runServe(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := registerCommon(fs)
	addr := fs.String("addr", "", "Listen address")
	artifact := fs.String("artifact", "", "Model artifact to load on start and save to")
	noDashboard := fs.Bool("no-dashboard", false, "Do not mount the dashboard under /visor/")
	fs.Parse(args)
	cfg := common.load(config.Overrides{Addr: *addr, Artifact: *artifact})

	st := openStore(ctx, cfg)
	defer st.Close()
	sess := tensor.NewSession(tensor.Options{Workers: cfg.Model.Workers})
	defer sess.Close()
	w := model.NewWrapper(sess, model.Options{Seed: cfg.Model.Seed})

	if _, err := os.Stat(cfg.Model.Artifact); err == nil {
		if err := w.Load(ctx, cfg.Model.Artifact); err != nil {
			log.Fatalf("load %s: %v", cfg.Model.Artifact, err)
		}
		log.Printf("loaded artifact=%s classes=%s", cfg.Model.Artifact, strings.Join(w.Classes(), ","))
	} else if len(cfg.Model.Classes) > 0 {
		if err := w.Build(ctx, cfg.BuildConfig()); err != nil {
			log.Fatalf("build: %v", err)
		}
	}

	srvCfg := server.Config{
		Store:        st,
		Model:        w,
		Classes:      cfg.Model.Classes,
		Build:        cfg.BuildConfig(),
		Train:        cfg.TrainOptions(),
		ArtifactPath: cfg.Model.Artifact,
		Sinks:        []visor.Sink{visor.NewLogSink(log.Default(), cfg.Train.LogEvery)},
	}
	if !*noDashboard {
		dash := visor.NewDashboard(visor.DashboardOptions{BatchHistory: cfg.Dashboard.BatchHistory})
		defer dash.Close()
		srvCfg.Dashboard = dash
	}
	srv := server.New(srvCfg)
	defer srv.Close()

	log.Printf("listening addr=%s driver=%s table=%s", cfg.Dashboard.Addr, st.Driver(), st.Table())
	if err := srv.ListenAndServe(ctx, cfg.Dashboard.Addr); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
