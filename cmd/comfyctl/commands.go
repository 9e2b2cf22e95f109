package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/ghzmwhdk777/ckpts/internal/comfyui"
	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/observability"
	"github.com/ghzmwhdk777/ckpts/internal/pipeline"
	"github.com/ghzmwhdk777/ckpts/internal/relay"
	"github.com/ghzmwhdk777/ckpts/internal/storage"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
	"github.com/ghzmwhdk777/ckpts/templates"
)

// assignments collects repeated key=value flags
type assignments map[string]any

func (a assignments) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a[k]))
	}
	return strings.Join(parts, ",")
}

func (a assignments) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	a[key] = parseValue(value)
	return nil
}

// parseValue reads JSON scalars and literals, anything else is a string
func parseValue(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return s
	}
	if _, err := dec.Token(); err != io.EOF {
		return s
	}
	return v
}

// files collects repeated param=path flags
type files map[string]string

func (f files) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (f files) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" || value == "" {
		return fmt.Errorf("expected param=path, got %q", s)
	}
	f[key] = value
	return nil
}

type environment struct {
	cfg     *config.Config
	catalog *workflow.Catalog
	logger  *logrus.Logger
}

func loadEnvironment() (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	config.SetLogLevel(cfg.LogLevel)
	config.ConfigureGlobalLogger()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var fsys fs.FS = templates.FS
	if cfg.TemplatesDir != "" {
		fsys = os.DirFS(cfg.TemplatesDir)
	}
	catalog, err := workflow.LoadCatalog(fsys)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, catalog: catalog, logger: config.NewLogger()}, nil
}

// execute runs one request on a fresh session and prints the result
func (e *environment) execute(ctx context.Context, out io.Writer, req pipeline.Request) subcommands.ExitStatus {
	shutdown, err := observability.InitTracing("comfyctl", e.cfg.OTelTracing)
	if err != nil {
		e.logger.WithError(err).Warn("Tracing disabled")
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	mirror, err := storage.NewMirror(e.cfg.Artifact)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	session, err := pipeline.NewSession(e.cfg, comfyui.NewClient(e.cfg.Engine), mirror)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer session.Close()

	result, err := session.Run(ctx, req)
	if result != nil {
		printResult(out, result)
	}
	if err != nil {
		kind := pipeline.Classify(err)
		fmt.Fprintf(os.Stderr, "error (%s): %v\nremedy: %s\n", kind, err, kind.Remedy())
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printResult(out io.Writer, r *pipeline.Result) {
	fmt.Fprintf(out, "prompt_id: %s\n", r.JobID)
	for _, name := range sortedKeys(r.Seeds) {
		fmt.Fprintf(out, "seed %s: %d\n", name, r.Seeds[name])
	}
	for _, role := range sortedKeys(r.Texts) {
		fmt.Fprintf(out, "%s: %s\n", role, r.Texts[role])
	}
	for _, p := range r.Paths {
		fmt.Fprintln(out, p)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type runCmd struct {
	template  string
	params    assignments
	overrides assignments
	uploads   files
	out       string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a template once and save its outputs" }
func (*runCmd) Usage() string {
	return `run -template NAME [-set param=value]... [-override node.input=value]... [-upload param=path]... [-out DIR]:
  Submit a catalog template, wait for it and write its files.
`
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	c.params = assignments{}
	c.overrides = assignments{}
	c.uploads = files{}
	f.StringVar(&c.template, "template", "kor2vid", "catalog template name")
	f.Var(c.params, "set", "template parameter as param=value (repeatable)")
	f.Var(c.overrides, "override", "raw graph override as node.input=value (repeatable)")
	f.Var(c.uploads, "upload", "local file for an upload parameter as param=path (repeatable)")
	f.StringVar(&c.out, "out", "", "output directory (default OUTPUT_DIR)")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	env, err := loadEnvironment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	tpl, err := env.catalog.Get(c.template)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}

	return env.execute(ctx, os.Stdout, pipeline.Request{
		Template:  tpl,
		Params:    c.params,
		Overrides: c.overrides,
		Uploads:   c.uploads,
		OutputDir: c.out,
	})
}

type segmentCmd struct {
	image string
	text  string
	seed  int64
	out   string
	relay bool
}

func (*segmentCmd) Name() string     { return "segment" }
func (*segmentCmd) Synopsis() string { return "cut the object described by text out of an image" }
func (*segmentCmd) Usage() string {
	return `segment -image PATH -text WORDS [-seed N] [-out DIR] [-relay]:
  Upload an image and run the segmentation template on it.
`
}

func (c *segmentCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.image, "image", "", "input image")
	f.StringVar(&c.text, "text", "", "what to cut out")
	f.Int64Var(&c.seed, "seed", 0, "seed (0 picks one)")
	f.StringVar(&c.out, "out", "", "output directory (default OUTPUT_DIR)")
	f.BoolVar(&c.relay, "relay", false, "use the relay variant that saves on the engine side")
}

func (c *segmentCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.image == "" || c.text == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	env, err := loadEnvironment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	name := "segmentation"
	if c.relay {
		name = "segmentation_relay"
	}
	tpl, err := env.catalog.Get(name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	params := map[string]any{"text": c.text}
	if c.seed > 0 {
		params["seed"] = c.seed
	}
	return env.execute(ctx, os.Stdout, pipeline.Request{
		Template:  tpl,
		Params:    params,
		Uploads:   map[string]string{"image": c.image},
		OutputDir: c.out,
	})
}

type templatesCmd struct{}

func (*templatesCmd) Name() string             { return "templates" }
func (*templatesCmd) Synopsis() string         { return "list catalog templates" }
func (*templatesCmd) Usage() string            { return "templates:\n  List templates with their parameters and output roles.\n" }
func (*templatesCmd) SetFlags(f *flag.FlagSet) {}

func (*templatesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	env, err := loadEnvironment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	printTemplates(os.Stdout, env.catalog)
	return subcommands.ExitSuccess
}

func printTemplates(out io.Writer, catalog *workflow.Catalog) {
	for _, name := range catalog.Names() {
		tpl, err := catalog.Get(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", tpl.Name, tpl.Description)
		fmt.Fprintf(out, "  params: %s\n", strings.Join(sortedKeys(tpl.Params), ", "))
		if len(tpl.Roles) > 0 {
			fmt.Fprintf(out, "  roles:  %s\n", strings.Join(sortedKeys(tpl.Roles), ", "))
		}
		if len(tpl.Uploads) > 0 {
			fmt.Fprintf(out, "  uploads: %s\n", strings.Join(tpl.Uploads, ", "))
		}
	}
}

type relayCmd struct {
	endpoint string
	rgb      string
	mask     string
	timeout  time.Duration
}

func (*relayCmd) Name() string     { return "relay" }
func (*relayCmd) Synopsis() string { return "send an rgb image and mask to a relay endpoint" }
func (*relayCmd) Usage() string {
	return `relay -endpoint URL -rgb PATH -mask PATH:
  Post both images base64 encoded as {rgb_image, mask_image}.
`
}

func (c *relayCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.endpoint, "endpoint", "http://localhost:8080/upload", "relay endpoint")
	f.StringVar(&c.rgb, "rgb", "", "rgb image")
	f.StringVar(&c.mask, "mask", "", "mask image")
	f.DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
}

func (c *relayCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.rgb == "" || c.mask == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	rgb, err := os.ReadFile(c.rgb)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	mask, err := os.ReadFile(c.mask)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	if err := relay.NewClient(c.timeout).Send(ctx, c.endpoint, rgb, mask); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stdout, "sent %d+%d bytes to %s\n", len(rgb), len(mask), c.endpoint)
	return subcommands.ExitSuccess
}
