package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/config"
	"github.com/saiset-co/sai-cache/database"
	"github.com/saiset-co/sai-cache/keycodec"
	"github.com/saiset-co/sai-cache/querycache"
	"github.com/saiset-co/sai-cache/service"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const (
	voiceoversPath      = "/api/voiceovers"
	voiceoversNamespace = "voiceovers"
	voiceoversTag       = "voiceovers"

	listResponseTTL = time.Minute
	listQueryTTL    = 5 * time.Minute
)

func newServeCmd() *cobra.Command {
	var configPath, dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the voice-over catalog API behind the caching layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService(cmd.Context(), configPath)
			if err != nil {
				return err
			}

			if dataDir == "" {
				dataDir, err = os.MkdirTemp("", "sai-cache-catalog-")
				if err != nil {
					return types.WrapError(err, "failed to create catalog directory")
				}
				defer os.RemoveAll(dataDir)
			}

			api, db, err := openCatalogAPI(cmd.Context(), svc, dataDir)
			if err != nil {
				return err
			}
			defer func() {
				if err := db.Stop(); err != nil {
					svc.Logger().Error("Failed to stop catalog database", zap.Error(err))
				}
			}()

			api.register(svc)
			return svc.Start()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (built-in defaults when empty)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "catalog database directory (a temporary one when empty)")
	return cmd
}

// openCatalogAPI opens the catalog database under dir, seeds an empty one with
// the demo voice-overs and registers its health check with the service.
func openCatalogAPI(ctx context.Context, svc *service.Service, dir string) (*catalogAPI, *database.CloverDB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := database.NewCloverDB(svc.Logger(), dir)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Start(); err != nil {
		return nil, nil, err
	}

	c := newCatalog(db)

	existing, err := db.Count(ctx, voiceoverCollection, nil)
	if err == nil && existing == 0 {
		err = c.Seed(ctx, demoVoiceovers(time.Now())...)
	}
	if err != nil {
		_ = db.Stop()
		return nil, nil, err
	}

	svc.Health().RegisterChecker("catalog_db", db.HealthCheck)

	return &catalogAPI{
		catalog:    c,
		queryCache: svc.QueryCache(),
		logger:     svc.Logger(),
	}, db, nil
}

func newService(ctx context.Context, configPath string) (*service.Service, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if configPath != "" {
		return service.NewService(ctx, configPath)
	}

	manager, err := config.NewStaticManager(config.Defaults())
	if err != nil {
		return nil, err
	}
	return service.New(ctx, manager)
}

// catalogAPI serves the catalog through both cache layers: list responses are
// kept by the response cache and the repository query by the query cache.
// Creating a voice-over drops both.
type catalogAPI struct {
	catalog    *catalog
	queryCache *querycache.QueryCache
	logger     types.Logger
}

func (a *catalogAPI) register(svc *service.Service) {
	boundary := svc.Boundary()

	svc.Router().GET(voiceoversPath, boundary.Wrap(a.listVoiceovers, &types.RouteConfig{
		Cache: &types.CacheHandlerConfig{
			Enabled: true,
			TTL:     listResponseTTL,
		},
	}))

	svc.Router().POST(voiceoversPath, boundary.Wrap(a.createVoiceover, &types.RouteConfig{
		Cache: &types.CacheHandlerConfig{
			InvalidatePatterns: []string{voiceoversPath},
			InvalidateTags:     []string{voiceoversTag},
		},
		RateLimit: &types.RateLimitHandlerConfig{
			Requests: 20,
			Window:   time.Minute,
		},
	}))
}

func (a *catalogAPI) listVoiceovers(ctx *fasthttp.RequestCtx) (interface{}, error) {
	filter, err := parseFilter(ctx.QueryArgs())
	if err != nil {
		return nil, err
	}

	params := keycodec.Params{
		"language": filter.Language,
		"status":   filter.Status,
		"page":     filter.Page,
		"limit":    filter.Limit,
	}

	items, err := querycache.ComputeAs(ctx, a.queryCache, voiceoversNamespace, params, []string{voiceoversTag}, listQueryTTL,
		func(ctx context.Context) ([]Voiceover, error) {
			return a.catalog.List(ctx, filter)
		})
	if err != nil {
		return nil, err
	}

	return items, nil
}

func (a *catalogAPI) createVoiceover(ctx *fasthttp.RequestCtx) (interface{}, error) {
	var request createVoiceoverRequest
	if err := utils.Unmarshal(ctx.PostBody(), &request); err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "body must be a JSON object")
	}

	item, err := a.catalog.Add(ctx, request)
	if err != nil {
		return nil, err
	}

	a.logger.Info("Voice-over created",
		zap.String("id", item.ID),
		zap.String("language", item.Language))

	ctx.SetStatusCode(fasthttp.StatusCreated)
	return item, nil
}

func parseFilter(args *fasthttp.Args) (voiceoverFilter, error) {
	filter := voiceoverFilter{
		Language: string(args.Peek("language")),
		Status:   string(args.Peek("status")),
		Page:     1,
		Limit:    defaultPageLimit,
	}

	var err error
	if filter.Page, err = uintArg(args, "page", 1); err != nil {
		return filter, err
	}
	if filter.Limit, err = uintArg(args, "limit", defaultPageLimit); err != nil {
		return filter, err
	}

	if filter.Page < 1 {
		return filter, types.Errorf(types.ErrInvalidParameter, "page must be positive")
	}
	if filter.Limit < 1 || filter.Limit > maxPageLimit {
		return filter, types.Errorf(types.ErrInvalidParameter, "limit must be between 1 and %d", maxPageLimit)
	}

	return filter, nil
}

func uintArg(args *fasthttp.Args, name string, fallback int) (int, error) {
	value, err := args.GetUint(name)
	if errors.Is(err, fasthttp.ErrNoArgValue) {
		return fallback, nil
	}
	if err != nil {
		return 0, types.Errorf(types.ErrInvalidParameter, "%s must be a number", name)
	}
	return value, nil
}
