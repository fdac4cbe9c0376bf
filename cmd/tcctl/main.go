package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/miradorstack/sclk-correlator/internal/api"
	"github.com/miradorstack/sclk-correlator/internal/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("addr", envOr("TC_ENGINE_ADDR", "localhost:50061"), "engine gRPC address")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")

	var (
		configPath, start, stop, mode, previewID, kernel, csvPath string
		samples                                                   int
		rate                                                      float64
		runID                                                     int64
	)
	switch cmd {
	case "defaults", "history":
	case "preview", "create":
		fs.StringVar(&configPath, "config", "", "JSON correlation config; server defaults when empty")
		fs.StringVar(&start, "start", "", "target sample range start (ERT, UTC)")
		fs.StringVar(&stop, "stop", "", "target sample range stop (ERT, UTC)")
		fs.IntVar(&samples, "samples", 0, "samples per set")
		fs.StringVar(&mode, "mode", "", "clock change rate mode")
		fs.Float64Var(&rate, "rate", 0, "assigned clock change rate")
		if cmd == "create" {
			fs.StringVar(&previewID, "preview", "", "commit the run previewed under this handle")
		}
	case "rollback":
		fs.Int64Var(&runID, "run", 0, "run to roll back")
	case "range", "telemetry":
		fs.StringVar(&start, "begin", "", "window begin (UTC)")
		fs.StringVar(&stop, "end", "", "window end (UTC)")
		fs.StringVar(&kernel, "kernel", "", "clock kernel name")
	case "import":
		fs.StringVar(&csvPath, "file", "", "telemetry CSV to import")
	default:
		usage()
		os.Exit(1)
	}
	_ = fs.Parse(os.Args[2:])

	conn, err := api.Dial(*addr)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	client := api.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var out any
	switch cmd {
	case "defaults":
		out, err = client.GetDefaultConfig(ctx)
	case "history":
		out, err = client.GetRunHistory(ctx)
	case "preview", "create":
		var cfg *api.CorrelationConfig
		if previewID == "" {
			cfg, err = loadConfig(ctx, client, configPath)
			if err == nil {
				err = applyOverrides(cfg, start, stop, samples, mode, rate)
			}
		}
		if err != nil {
			break
		}
		if cmd == "preview" {
			out, err = client.Preview(ctx, &api.PreviewRequest{Config: cfg})
		} else {
			out, err = client.Create(ctx, &api.CreateRequest{Config: cfg, PreviewID: previewID})
		}
	case "rollback":
		out, err = client.Rollback(ctx, runID)
	case "range", "telemetry":
		var req *api.RangeRequest
		req, err = rangeRequest(start, stop, kernel)
		if err != nil {
			break
		}
		if cmd == "range" {
			out, err = client.GetCorrelationRange(ctx, req)
		} else {
			out, err = client.GetTelemetryRange(ctx, req)
		}
	case "import":
		var data []byte
		data, err = os.ReadFile(csvPath)
		if err != nil {
			break
		}
		out, err = client.ImportTelemetry(ctx, string(data))
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(payload))
}

func loadConfig(ctx context.Context, client *api.Client, path string) (*api.CorrelationConfig, error) {
	if path == "" {
		return client.GetDefaultConfig(ctx)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg api.CorrelationConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func applyOverrides(cfg *api.CorrelationConfig, start, stop string, samples int, mode string, rate float64) error {
	if start != "" {
		t, err := utils.ParseTime(start)
		if err != nil {
			return err
		}
		cfg.TargetSampleRangeStartErt = timestamppb.New(t)
	}
	if stop != "" {
		t, err := utils.ParseTime(stop)
		if err != nil {
			return err
		}
		cfg.TargetSampleRangeStopErt = timestamppb.New(t)
	}
	if samples > 0 {
		cfg.SamplesPerSet = samples
	}
	if mode != "" {
		cfg.ClockChangeRateConfig.ModeOverride = mode
	}
	if rate != 0 {
		cfg.ClockChangeRateConfig.AssignedValue = rate
	}
	return nil
}

func rangeRequest(begin, end, kernel string) (*api.RangeRequest, error) {
	b, err := utils.ParseTime(begin)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	e, err := utils.ParseTime(end)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	return &api.RangeRequest{BeginTime: timestamppb.New(b), EndTime: timestamppb.New(e), ClockKernelName: kernel}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func usage() {
	fmt.Println("tcctl <defaults|preview|create|rollback|history|range|telemetry|import> [flags]")
}
