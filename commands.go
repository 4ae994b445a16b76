package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/notebookwing/notebookwing/api"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/pipeline"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/notebookwing/notebookwing/upstream"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	runMaterials []string
	runPresets   []string
	runOutput    string
	language     string
	waitDone     bool
	downloadDir  string
	chatPreset   string
	materialName string
)

var runCmd = &cobra.Command{
	Use:   "run [file-or-url]",
	Short: "Split a document into topics and build one notebook per topic",
	Long: `Loads a local file or web page, splits it into topics (with Gemini when a key is
configured, by headings otherwise) and for every topic creates a notebook, pastes
the topic text, generates and downloads the configured materials and saves the
chat preset answers. Topics finished in an earlier run are skipped.

Example:
  notebookwing run lecture.md --materials audio,quiz --presets flashcards,summary`,
	Args: cobra.ExactArgs(1),
	RunE: runPipeline,
}

var materialCmd = &cobra.Command{
	Use:   "material [kind]",
	Short: "Generate a Studio material in the current notebook",
	Long: `Starts generation of one material kind: audio, video, mindmap, quiz,
flashcards or infographic. With --wait the command blocks until the material is
ready; with --download it also saves the file.`,
	Args: cobra.ExactArgs(1),
	RunE: runMaterial,
}

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a chat message or a preset and print the answer",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runChat,
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the sources of the current notebook",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNotebook(cmd, func(ctx context.Context, a *app) *models.WorkflowResult {
			return a.svc.ListSources(ctx)
		})
	},
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add [file-or-url]",
	Short: "Add a local file as pasted text or a URL as a website source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNotebook(cmd, func(ctx context.Context, a *app) *models.WorkflowResult {
			return a.svc.ImportSource(ctx, args[0])
		})
	},
}

var materialsCmd = &cobra.Command{
	Use:   "materials",
	Short: "List the materials in the Studio panel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNotebook(cmd, func(ctx context.Context, a *app) *models.WorkflowResult {
			return a.svc.ListMaterials(ctx)
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [kind]",
	Short: "Download a generated audio, video or mind map",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := models.ParseMaterialKind(args[0])
		if err != nil {
			return err
		}
		return withNotebook(cmd, func(ctx context.Context, a *app) *models.WorkflowResult {
			return a.svc.Download(ctx, kind, materialName, downloadDir)
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and /metrics",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	runCmd.Flags().StringSliceVar(&runMaterials, "materials", nil, "Materials per topic (default from config)")
	runCmd.Flags().StringSliceVar(&runPresets, "presets", nil, "Chat presets per topic (default from config)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Output directory (default from config)")
	runCmd.Flags().StringVar(&language, "language", "", "Output language for generated materials")

	materialCmd.Flags().StringVar(&language, "language", "", "Output language for generated materials")
	materialCmd.Flags().BoolVar(&waitDone, "wait", false, "Wait until the material is ready")
	materialCmd.Flags().StringVar(&downloadDir, "download", "", "Download the finished material into this directory")

	chatCmd.Flags().StringVarP(&chatPreset, "preset", "p", "", "Chat preset: "+strings.Join(upstream.Presets(), ", "))

	downloadCmd.Flags().StringVarP(&materialName, "title", "t", "", "Material title (default: first of that kind)")
	downloadCmd.Flags().StringVarP(&downloadDir, "dir", "d", "", "Target directory (default: pipeline output dir)")

	sourcesCmd.AddCommand(sourcesAddCmd)
}

// printResult 以 JSON 输出结果，失败时返回错误让进程以非零码退出
func printResult(cmd *cobra.Command, res *models.WorkflowResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if !res.Success {
		return errors.Errorf("%s failed: %s", res.Workflow, res.ErrorKind)
	}
	return nil
}

// withNotebook 装配服务，指定了 --notebook 时先打开它，再执行 fn
func withNotebook(cmd *cobra.Command, fn func(ctx context.Context, a *app) *models.WorkflowResult) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if notebookURL != "" {
		if res := a.svc.OpenNotebook(ctx, notebookURL); !res.Success {
			return printResult(cmd, res)
		}
	}
	return printResult(cmd, fn(ctx, a))
}

func runMaterial(cmd *cobra.Command, args []string) error {
	kind, err := models.ParseMaterialKind(args[0])
	if err != nil {
		return err
	}
	return withNotebook(cmd, func(ctx context.Context, a *app) *models.WorkflowResult {
		lang := language
		if lang == "" {
			lang = a.cfg.NotebookLM.OutputLanguage
		}
		res := a.svc.GenerateMaterial(ctx, kind, lang)
		if !res.Success || (!waitDone && downloadDir == "") {
			return res
		}
		res = a.svc.WaitForMaterial(ctx, kind, "", func(elapsed time.Duration, items []models.MaterialInfo) {
			logger.Info(ctx, "Waiting for %s: %s elapsed, %d materials listed", kind, elapsed.Round(time.Second), len(items))
		})
		if !res.Success || downloadDir == "" {
			return res
		}
		title := ""
		if info, ok := res.Data.(*models.MaterialInfo); ok {
			title = info.Title
		}
		return a.svc.Download(ctx, kind, title, downloadDir)
	})
}

func runChat(cmd *cobra.Command, args []string) error {
	if chatPreset == "" && len(args) == 0 {
		return errors.New("either a prompt or --preset is required")
	}
	return withNotebook(cmd, func(ctx context.Context, a *app) *models.WorkflowResult {
		if chatPreset != "" {
			return a.svc.ChatPreset(ctx, chatPreset)
		}
		return a.svc.Chat(ctx, args[0])
	})
}

func runPipeline(cmd *cobra.Command, args []string) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	cfg := a.cfg
	names := runMaterials
	if len(names) == 0 {
		names = cfg.Pipeline.Materials
	}
	kinds := make([]models.MaterialKind, 0, len(names))
	for _, n := range names {
		kind, err := models.ParseMaterialKind(n)
		if err != nil {
			return err
		}
		kinds = append(kinds, kind)
	}
	presets := runPresets
	if len(presets) == 0 {
		presets = cfg.Pipeline.ChatPresets
	}
	for _, p := range presets {
		if _, err := upstream.PresetPrompt(p); err != nil {
			return err
		}
	}
	output := runOutput
	if output == "" {
		output = cfg.Pipeline.OutputDir
	}
	lang := language
	if lang == "" {
		lang = cfg.NotebookLM.OutputLanguage
	}

	var gen upstream.Generator
	if cfg.Upstream.UseAI && cfg.Upstream.GeminiAPIKey != "" {
		g, err := upstream.NewGemini(ctx, cfg.Upstream.GeminiAPIKey, cfg.Upstream.Model)
		if err != nil {
			return err
		}
		gen = g
	} else {
		logger.Info(ctx, "No Gemini API key configured, splitting topics by headings")
	}
	splitter := upstream.NewSplitter(gen, cfg.Upstream.MaxTopics, upstream.RetryOptions{
		MaxRetries:  cfg.Upstream.MaxRetries,
		Backoff:     cfg.Upstream.RetryBackoff.Duration,
		HintPadding: cfg.Upstream.RetryHintPadding.Duration,
	})

	out := cmd.OutOrStdout()
	p := pipeline.New(a.svc, upstream.NewIngestor(cfg.Upstream.HTTPTimeout.Duration), splitter, a.db, pipeline.Options{
		Materials:        kinds,
		ChatPresets:      presets,
		Language:         lang,
		OutputDir:        output,
		ProgressInterval: cfg.Pipeline.ProgressInterval.Duration,
		OnProgress: func(ev pipeline.Event) {
			fmt.Fprintln(out, ev.String())
		},
	})

	report, runErr := p.Run(ctx, args[0])
	if report != nil {
		fmt.Fprintf(out, "%s: %d done, %d failed, %d skipped\n", report.Title, report.Done, report.Failed, report.Skipped)
		for _, t := range report.Topics {
			for _, f := range t.Failures {
				fmt.Fprintf(out, "  %s: %s %s\n", t.Topic.Title, f.Workflow, f.ErrorKind)
			}
		}
	}
	if runErr != nil {
		return runErr
	}
	if report.Failed > 0 {
		return errors.Errorf("%d topics failed, run again to retry them", report.Failed)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	router := api.SetupRouter(api.NewHandler(a.svc, a.db), prometheus.DefaultGatherer, a.cfg.Debug)
	addr := fmt.Sprintf("%s:%s", a.cfg.Server.Host, a.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "notebookwing %s listening on http://%s", Version, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "Received exit signal, shutting down")
	a.svc.Abort()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "HTTP server shutdown: %v", err)
	}
	return nil
}
