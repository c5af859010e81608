package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/example/currency-check/internal/analysis"
	"github.com/example/currency-check/internal/config"
	"github.com/example/currency-check/internal/grpchealth"
	"github.com/example/currency-check/internal/handlers"
	"github.com/example/currency-check/internal/logging"
)

// analyzeLine is printed once per analyzed file.
type analyzeLine struct {
	File   string            `json:"file"`
	Result *analysis.Verdict `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Run the analyzer on local images and print one JSON verdict per file",
		ArgsUsage: "IMAGE [IMAGE...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "config file (yaml or toml)", EnvVars: []string{config.PathEnv}},
			&cli.StringFlag{Name: "command", Usage: "analyzer executable (overrides config)"},
			&cli.StringFlag{Name: "script", Usage: "analyzer script (overrides config)"},
			&cli.DurationFlag{Name: "timeout", Usage: "per-image timeout (overrides config)"},
			&cli.StringFlag{Name: "result-prefix", Usage: "payload line marker (overrides config)"},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "log level"},
		},
		Action: analyzeAction,
	}
}

func analyzeAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one image path is required", 2)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if c.IsSet("command") {
		cfg.Analyzer.Command = c.String("command")
	}
	if c.IsSet("script") {
		cfg.Analyzer.Script = c.String("script")
	}
	if c.IsSet("timeout") {
		cfg.Analyzer.Timeout = config.Duration(c.Duration("timeout"))
	}
	if c.IsSet("result-prefix") {
		cfg.Analyzer.ResultPrefix = c.String("result-prefix")
	}

	logger, err := logging.NewLogger(c.String("log-level"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer logger.Sync() //nolint:errcheck

	invoker := analysis.NewInvoker(analysis.InvokerConfig{
		Command:   cfg.Analyzer.Command,
		Script:    cfg.Analyzer.Script,
		Timeout:   cfg.Analyzer.Timeout.Std(),
		WaitDelay: cfg.Analyzer.WaitDelay.Std(),
	}, logger)
	extractor := analysis.NewExtractor(cfg.Analyzer.ResultPrefix)

	enc := json.NewEncoder(c.App.Writer)
	failed := 0
	for _, path := range c.Args().Slice() {
		line := analyzeLine{File: path}
		verdict, err := analyzeFile(c.Context, invoker, extractor, path, logger)
		if err != nil {
			failed++
			_, body := handlers.MapError(err)
			line.Error = body.Error
		} else {
			line.Result = verdict
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}

	if failed > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func analyzeFile(ctx context.Context, invoker *analysis.Invoker, extractor *analysis.Extractor, path string, logger *zap.Logger) (*analysis.Verdict, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	invocation, err := invoker.Analyze(ctx, abs)
	if err != nil {
		logger.Error("analyzer failed", zap.String("file", abs), zap.Error(err), zap.ByteString("stderr", invocation.Stderr))
		return nil, err
	}
	verdict, err := extractor.Extract(invocation.Stdout)
	if err != nil {
		logger.Error("invalid analyzer output", zap.String("file", abs), zap.Error(err), zap.ByteString("stdout", invocation.Stdout))
		return nil, err
	}
	return verdict, nil
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Query the HTTP health endpoint, and optionally the gRPC health service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:5000/api/health", Usage: "HTTP health URL"},
			&cli.StringFlag{Name: "grpc", Usage: "gRPC health address (host:port)"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "request timeout"},
		},
		Action: healthAction,
	}
}

func healthAction(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.String("url"), nil)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return cli.Exit(fmt.Sprintf("health request failed: %v", err), 1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cli.Exit(fmt.Sprintf("read health response: %v", err), 1)
	}
	fmt.Fprintln(c.App.Writer, string(body))
	if resp.StatusCode != http.StatusOK {
		return cli.Exit(fmt.Sprintf("unexpected status %d", resp.StatusCode), 1)
	}

	if addr := c.String("grpc"); addr != "" {
		conn, err := grpchealth.Dial(ctx, addr)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer conn.Close()

		status, err := grpchealth.Check(ctx, conn, grpchealth.ServiceName)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		fmt.Fprintf(c.App.Writer, "grpc %s: %s\n", grpchealth.ServiceName, status)
	}
	return nil
}
