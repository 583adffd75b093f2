package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dash-recorder/internal/chunkstore"
	"dash-recorder/internal/media"
	"dash-recorder/internal/metadata"
	"dash-recorder/internal/platform/config"
	"dash-recorder/internal/platform/logger"
	"dash-recorder/internal/platform/metrics"
	"dash-recorder/internal/recorder"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	mediaPrefix     = "/uploads"
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "3000")
	dataDir := config.GetEnv("DATA_DIR", "uploads")
	metadataFile := config.GetEnv("METADATA_FILE", "video_metadata.json")
	staticDir := config.GetEnv("STATIC_DIR", "public")
	profileName := config.GetEnv("ENCODING_PROFILE", media.DefaultProfileName)
	profilesFile := config.GetEnv("PROFILES_FILE", "")
	ffmpegPath := config.GetEnv("FFMPEG_PATH", "ffmpeg")
	mp4boxPath := config.GetEnv("MP4BOX_PATH", "MP4Box")
	transcodeTimeout := config.GetEnvDuration("TRANSCODE_TIMEOUT", media.DefaultTranscodeTimeout)
	packageTimeout := config.GetEnvDuration("PACKAGE_TIMEOUT", media.DefaultPackageTimeout)
	segmentMillis := config.GetEnvInt("DASH_SEGMENT_MS", media.DefaultSegmentMillis)
	includeManifest := config.GetEnvBool("RESPONSE_INCLUDE_MANIFEST", true)
	maxChunkBytes := config.GetEnvInt64("MAX_CHUNK_BYTES", 100<<20)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	profiles, err := media.LoadProfiles(profilesFile)
	if err != nil {
		log.Error("load encoding profiles", "error", err)
		os.Exit(1)
	}
	profile, err := media.SelectProfile(profiles, profileName)
	if err != nil {
		log.Error("select encoding profile", "error", err)
		os.Exit(1)
	}

	chunks, err := chunkstore.New(dataDir)
	if err != nil {
		log.Error("open chunk store", "error", err)
		os.Exit(1)
	}
	store, err := metadata.NewStore(metadataFile)
	if err != nil {
		log.Error("open metadata store", "error", err)
		os.Exit(1)
	}

	runner := media.NewExecRunner(log)
	transcoder, err := media.NewTranscoder(runner, media.TranscoderConfig{
		Binary:  ffmpegPath,
		Profile: profile,
		Timeout: transcodeTimeout,
	})
	if err != nil {
		log.Error("configure transcoder", "error", err)
		os.Exit(1)
	}
	packager := media.NewPackager(runner, media.PackagerConfig{
		Binary:        mp4boxPath,
		SegmentMillis: segmentMillis,
		Timeout:       packageTimeout,
	})

	met := metrics.New()
	svc, err := recorder.NewService(recorder.Deps{
		Chunks:     chunks,
		Transcoder: transcoder,
		Packager:   packager,
		Metadata:   store,
		Log:        log,
		Metrics:    met,
	})
	if err != nil {
		log.Error("create recorder", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Recover(ctx); err != nil {
		log.Error("recover sessions", "error", err)
		os.Exit(1)
	}

	h := recorder.NewHandler(svc, log, recorder.HandlerConfig{
		MaxChunkBytes:   maxChunkBytes,
		IncludeManifest: includeManifest,
		MediaPrefix:     mediaPrefix,
	})

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetSessions(svc.SessionCounts()) }).ServeHTTP(w, r)
	})
	r.Post("/upload", h.Upload)
	r.Get("/videos", h.ListVideos)
	r.Get("/sessions", h.ListSessions)
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/", h.SessionStatus)
		r.Post("/chunks/{sequence}", h.SubmitChunk)
	})
	r.Handle(mediaPrefix+"/*", h.MediaFiles(chunks.Root()))
	if info, err := os.Stat(staticDir); err == nil && info.IsDir() {
		r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	}

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	log.Info("server starting",
		"port", port,
		"data_dir", chunks.Root(),
		"metadata_file", store.Path(),
		"profile", profile.Name,
		"encoder", profile.Encoder,
		"log_level", logLevel,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srvErr := srv.Shutdown(shutdownCtx)
		if err := svc.Close(shutdownCtx); err != nil {
			log.Error("recorder did not drain in time", "error", err)
		}
		return srvErr
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
