// Command otabuild publishes OTA releases into a build directory and hosts the diff
// service used to generate patches.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"gihan9a/hotupdate/internal/config"
	"gihan9a/hotupdate/internal/diffgen"
	"gihan9a/hotupdate/internal/diffservice"
	"gihan9a/hotupdate/internal/hashutil"
	"gihan9a/hotupdate/internal/logger"
	"gihan9a/hotupdate/internal/patchcodec"
	"gihan9a/hotupdate/internal/release"
)

const usage = `Usage: otabuild <command> [flags]

Commands:
  build         publish a bundle, build the patch from the current release and write the manifest
  publish       copy a bundle into the build directory without touching the manifest
  patch         build the patch between two published versions
  generate      diff two bundle files into a patch file
  apply         apply a patch file to a bundle file
  diff-service  run the diff service

Run "otabuild <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "build":
		err = runBuild(ctx, args)
	case "publish":
		err = runPublish(args)
	case "patch":
		err = runPatch(ctx, args)
	case "generate":
		err = runGenerate(ctx, args)
	case "apply":
		err = runApply(args)
	case "diff-service":
		err = runDiffService(ctx, args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "otabuild: %v\n", err)
		os.Exit(1)
	}
}

// engineFor returns the configured diff engine and a function releasing it
func engineFor(cfg *config.Config, log *zap.SugaredLogger) (diffgen.Engine, func(), error) {
	generator := diffgen.New(diffgen.Options{
		Threshold:   cfg.Build.PatchThreshold,
		DiffTimeout: cfg.Build.DiffTimeout,
		Logger:      logger.For("diffgen"),
	})
	if cfg.Build.DiffEngine != config.DiffEngineService {
		return diffgen.Local{Generator: generator}, func() {}, nil
	}

	command := cfg.Build.DiffService.Command
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, nil, err
		}
		command = []string{self, "diff-service", "-port", diffservice.PortPlaceholder}
	}
	proc := diffservice.NewProcess(diffservice.ProcessOptions{
		Command:        command,
		Port:           cfg.Build.DiffService.Port,
		StartupTimeout: cfg.Build.DiffService.StartupTimeout,
		Logger:         logger.For("diffservice"),
	})
	return proc, func() {
		if err := proc.Stop(); err != nil {
			log.Warnf("Stopping diff service: %v", err)
		}
	}, nil
}

func newBuilder(cfg *config.Config, engine diffgen.Engine) (*release.Builder, error) {
	return release.New(release.Options{
		BuildDir:        cfg.Build.BuildDir,
		BaseURL:         cfg.Build.BaseURL,
		BundleFile:      cfg.Build.BundleFile,
		Format:          cfg.Build.PatchFormat,
		Engine:          engine,
		Compress:        cfg.Build.Compress,
		CompressLevel:   cfg.Build.CompressLevel,
		CompressMinSize: cfg.Build.CompressMinSize,
		Logger:          logger.For("release"),
	})
}

func runBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	version := fs.String("version", "", "Version of the bundle (required)")
	bundle := fs.String("bundle", "", "Path of the freshly built bundle (required)")
	compress := fs.Bool("compress", false, "Also publish gzip variants (overrides config)")
	cfg, err := config.ParseFlags(fs, args)
	if err != nil {
		return err
	}
	if *version == "" || *bundle == "" {
		return errors.New("-version and -bundle are required")
	}
	if *compress {
		cfg.Build.Compress = true
	}
	log := logger.For("otabuild")

	engine, done, err := engineFor(cfg, log)
	if err != nil {
		return err
	}
	defer done()
	builder, err := newBuilder(cfg, engine)
	if err != nil {
		return err
	}

	res, err := builder.BuildOTA(ctx, *version, *bundle)
	if err != nil {
		return err
	}
	m := res.Manifest
	log.Infof("Released %s as %s update (bundle %d bytes, %s)", m.Version, m.UpdateType, m.FullBundle.Size, m.FullBundle.Hash)
	if res.Patch != nil {
		log.Infof("Patch %s: %d bytes, %d operations, %.1f%% of the previous bundle",
			res.Patch.Path, res.Patch.Size, res.Patch.Stats.OperationsCount, res.Patch.Stats.SizeRatio*100)
	} else {
		log.Infof("No patch: %s", res.PatchSkipped)
	}
	for _, op := range res.Changes {
		log.Infof("Manifest %s %s", op.Type, op.Path)
	}
	return nil
}

func runPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	version := fs.String("version", "", "Version of the bundle (required)")
	bundle := fs.String("bundle", "", "Path of the bundle (required)")
	cfg, err := config.ParseFlags(fs, args)
	if err != nil {
		return err
	}
	if *version == "" || *bundle == "" {
		return errors.New("-version and -bundle are required")
	}
	builder, err := newBuilder(cfg, nil)
	if err != nil {
		return err
	}
	published, err := builder.PublishBundle(*version, *bundle)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d %s\n", published.Path, published.Size, published.Hash)
	return nil
}

func runPatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("patch", flag.ExitOnError)
	from := fs.String("from", "", "Published version the patch applies to (required)")
	to := fs.String("to", "", "Published version the patch produces (required)")
	cfg, err := config.ParseFlags(fs, args)
	if err != nil {
		return err
	}
	if *from == "" || *to == "" {
		return errors.New("-from and -to are required")
	}
	log := logger.For("otabuild")

	engine, done, err := engineFor(cfg, log)
	if err != nil {
		return err
	}
	defer done()
	builder, err := newBuilder(cfg, engine)
	if err != nil {
		return err
	}

	patch, err := builder.BuildPatch(ctx, *from, *to)
	var tooLarge *diffgen.TooLargeError
	if errors.As(err, &tooLarge) {
		log.Warnf("Patch not written, %s recommended: %v", tooLarge.Recommendation, err)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s %d %s\n", patch.Path, patch.Size, patch.Hash)
	return nil
}

func runGenerate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	oldFile := fs.String("old", "", "Old bundle (required)")
	newFile := fs.String("new", "", "New bundle (required)")
	outDir := fs.String("out", ".", "Directory the patch is written to")
	format := fs.String("format", "", "Patch format: delta or unified (overrides config)")
	cfg, err := config.ParseFlags(fs, args)
	if err != nil {
		return err
	}
	if *oldFile == "" || *newFile == "" {
		return errors.New("-old and -new are required")
	}
	req := diffgen.Request{OldFile: *oldFile, NewFile: *newFile, OutputDir: *outDir, Format: cfg.Build.PatchFormat}
	if *format != "" {
		if req.Format, err = diffgen.ParseFormat(*format); err != nil {
			return err
		}
	}

	engine, done, err := engineFor(cfg, logger.For("otabuild"))
	if err != nil {
		return err
	}
	defer done()
	res, err := engine.GeneratePatch(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n  source %s\n  target %s\n  %d bytes, %d operations, ratio %.3f\n",
		res.Path, res.SourceHash, res.TargetHash, res.Stats.PatchSize, res.Stats.OperationsCount, res.Stats.SizeRatio)
	return nil
}

func runApply(args []string) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	bundle := fs.String("bundle", "", "Bundle the patch applies to (required)")
	patchFile := fs.String("patch", "", "Patch file (required)")
	out := fs.String("out", "", "Output path, defaults to stdout")
	sourceHash := fs.String("source-hash", "", "Expected text hash of the bundle")
	targetHash := fs.String("target-hash", "", "Expected text hash of the result")
	cfg, err := config.ParseFlags(fs, args)
	if err != nil {
		return err
	}
	if *bundle == "" || *patchFile == "" {
		return errors.New("-bundle and -patch are required")
	}

	source, err := os.ReadFile(*bundle)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(*patchFile)
	if err != nil {
		return err
	}
	patcher := patchcodec.NewPatcher(patchcodec.Options{
		Strict: cfg.Client.StrictOperations,
		Logger: logger.For("patchcodec"),
	})
	patched, err := patcher.Apply(string(hashutil.Canonical(source)), raw, patchcodec.Expectations{
		SourceHash: *sourceHash,
		TargetHash: *targetHash,
	})
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = os.Stdout.WriteString(patched)
		return err
	}
	if err := os.WriteFile(*out, []byte(patched), 0644); err != nil {
		return err
	}
	logger.For("otabuild").Infof("Wrote %s (%s)", *out, hashutil.String(patched))
	return nil
}

func runDiffService(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diff-service", flag.ExitOnError)
	port := fs.Int("port", 0, "Port to listen on (overrides build.diff_service.port)")
	cfg, err := config.ParseFlags(fs, args)
	if err != nil {
		return err
	}
	if *port == 0 {
		*port = cfg.Build.DiffService.Port
	}
	generator := diffgen.New(diffgen.Options{
		Threshold:   cfg.Build.PatchThreshold,
		DiffTimeout: cfg.Build.DiffTimeout,
		Logger:      logger.For("diffgen"),
	})
	srv := diffservice.NewServer(diffgen.Local{Generator: generator}, logger.For("diffservice"))
	return srv.ListenAndServe(ctx, fmt.Sprintf("127.0.0.1:%d", *port))
}
