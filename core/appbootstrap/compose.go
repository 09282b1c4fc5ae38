package appbootstrap

import (
	"context"
	"database/sql"
	"net/http"

	"tipline/api"
	"tipline/config"
	"tipline/core/cases"
	"tipline/core/content"
	"tipline/core/incidents"
	"tipline/core/jobs"
	"tipline/core/ncmec"
	"tipline/core/store"
	"tipline/core/utils"
)

// App is the composed application: one database, the wired services, the job
// runner and the HTTP handler for them.
type App struct {
	DB      *sql.DB
	Handler http.Handler
	Runner  *jobs.Runner
	Logger  *utils.Logger
}

// Compose opens the database, runs migrations, and wires every component
// together. The caller owns starting the runner and serving the handler.
func Compose(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*App, error) {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	usersStore := store.NewUsersStore(db)
	forumStore := store.NewForumStore(db)
	incidentsStore := store.NewIncidentsStore(db)
	casesStore := store.NewCasesStore(db)
	reportsStore := store.NewReportsStore(db)
	stateStore := store.NewFinalizeStateStore(db)
	apiLogStore := store.NewApiLogStore(db)
	jobsStore := store.NewJobsStore(db)

	registry := content.NewForumRegistry(forumStore, cfg.Incidents.ForumBaseURL)
	transport := ncmec.NewHTTPTransport(cfg.Ncmec, apiLogStore, logger)
	validator := ncmec.NewValidator(transport, cfg.Ncmec, logger)

	incidentSvc := incidents.NewService(incidentsStore, usersStore, forumStore, registry, cfg.Incidents, logger)
	caseSvc := cases.NewService(casesStore, incidentsStore, reportsStore, stateStore, jobsStore, transport, *cfg, logger)
	finalizer := cases.NewFinalizer(casesStore, incidentsStore, reportsStore, stateStore, usersStore, forumStore, registry, validator, transport, *cfg, logger)

	runner := jobs.NewRunner(jobsStore, apiLogStore, cfg.Jobs, logger)
	runner.Register(cases.FinalizeJobName, cases.FinalizeHandler(finalizer, cfg.Jobs))

	server := api.NewServer(*cfg, logger, incidentSvc, caseSvc, usersStore, forumStore, apiLogStore, transport)

	return &App{
		DB:      db,
		Handler: server.Router(),
		Runner:  runner,
		Logger:  logger,
	}, nil
}
