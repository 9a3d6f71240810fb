package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwohlman/mailpipe/internal/cache"
	"github.com/cwohlman/mailpipe/internal/config"
	"github.com/cwohlman/mailpipe/internal/directory"
	"github.com/cwohlman/mailpipe/internal/pipeline"
	"github.com/cwohlman/mailpipe/internal/provider"
	"github.com/cwohlman/mailpipe/internal/render"
	"github.com/cwohlman/mailpipe/internal/store"
)

// buildPipeline assembles the pipeline and its collaborators from
// configuration. The returned cleanup closes everything that was
// opened, in reverse order.
func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, func(), error) {
	logger := slog.Default()

	st, err := store.Factory(cfg.StoreConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("building store: %w", err)
	}

	dir, err := directory.Factory(cfg.DirectoryConfig())
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("building directory: %w", err)
	}

	var c cache.Cache
	if cfg.Cache.Enabled {
		c, err = cache.Factory(cfg.CacheConfig())
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("building cache: %w", err)
		}
		ttl := time.Duration(cfg.Cache.TTL) * time.Second
		dir = directory.NewCached(dir, c, ttl)
	}

	renderer, err := loadTemplates(cfg.Pipeline.TemplatesDir)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	var prov provider.Provider
	switch cfg.Provider.Type {
	case "", "log":
		prov = provider.NewLog()
	case "smtp":
		prov = provider.NewSMTP(cfg.SMTPConfig())
	}
	if cfg.Provider.Breaker {
		prov = provider.NewBreaker(prov, "delivery")
	}

	p, err := pipeline.New(cfg.PipelineOptions(), pipeline.Hooks{}, pipeline.Deps{
		Store:     st,
		Directory: dir,
		Renderer:  renderer,
		Provider:  prov,
		Logger:    logger,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	cleanup := func() {
		p.Stop()
		if c != nil {
			c.Close()
		}
		if err := st.Close(); err != nil {
			logger.Warn("Closing store failed", "error", err)
		}
	}
	return p, cleanup, nil
}

// loadTemplates registers every .html file in dir by its base name.
// Returns a nil renderer when no directory is configured.
func loadTemplates(dir string) (render.Renderer, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading templates dir: %w", err)
	}
	t := render.NewTemplates()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".html") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading template %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".html")
		if err := t.Add(name, string(data)); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", e.Name(), err)
		}
	}
	return t, nil
}
