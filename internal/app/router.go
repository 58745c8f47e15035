package app

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"examengine/internal/app/observability"
	"examengine/internal/auth"
	"examengine/internal/exam"
	"examengine/internal/i18n"
	"examengine/internal/masterdata"
	"examengine/internal/notify"
	"examengine/internal/question"
	"examengine/internal/report"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires every handler onto a chi router. The returned cleanup
// drains pending notifications and must be called after the server stops.
func NewRouter(cfg Config, db *sql.DB) (http.Handler, func()) {
	log := slog.Default()

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	authHandler := auth.NewHandler(tokens, cfg.AdminKeyHash)

	sinks := []notify.Sink{notify.LogSink{Log: log}}
	if smtpSink := notify.NewSMTPSink(notify.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}); smtpSink != nil {
		sinks = append(sinks, smtpSink)
	}
	dispatcher := notify.NewDispatcher(notify.Multi(sinks...), log)

	bank := question.NewService(db)
	directory := masterdata.NewDirectory(db)
	executions := exam.NewSQLStore(db)
	results := report.NewSQLStore(db)

	synchronizer := report.NewSynchronizer(results, executions, log)
	examSvc := exam.NewService(executions, bank,
		exam.WithLogger(log),
		exam.WithStudentDirectory(directory),
		exam.WithResultSync(synchronizer, cfg.SyncRetries),
	)
	reportSvc := report.NewService(results, bank,
		report.WithLogger(log),
		report.WithRoster(directory),
		report.WithNotifier(dispatcher),
	)

	questionHandler := question.NewHandler(bank,
		question.WithCreatedHook(reportSvc.InitializePending),
		question.WithHandlerLogger(log),
	)
	examHandler := exam.NewHandler(examSvc, directory)
	reportHandler := report.NewHandler(reportSvc, synchronizer, directory)
	rosterHandler := masterdata.NewHandler(directory)

	collector := observability.NewCollector(db, executions, log)
	limiter := RateLimitMiddleware(NewRateLimiter(cfg.RateLimitPerMin, time.Minute))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(collector.Middleware)
	r.Use(i18n.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/metrics", collector.MetricsHandler)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(ops chi.Router) {
			ops.Use(authHandler.RequireAdminKey)
			ops.Post("/admin/roster/import", rosterHandler.ImportRosterCSV)
			ops.Post("/admin/reconcile", reportHandler.Reconcile)
		})

		api.Group(func(secure chi.Router) {
			secure.Use(authHandler.RequireAuth)

			secure.With(authHandler.RequireRoles(auth.RoleStudent, auth.RoleAdmin), limiter).
				Post("/exams/{examID}/start", examHandler.Start)
			secure.With(authHandler.RequireRoles(auth.RoleStudent, auth.RoleAdmin), limiter).
				Post("/executions/{executionID}/submit", examHandler.Submit)
			secure.Get("/executions/{executionID}", examHandler.Get)
			secure.Get("/executions/{executionID}/solution", examHandler.Solution)
			secure.Get("/students/{studentID}/results", reportHandler.StudentResults)

			secure.Group(func(staff chi.Router) {
				staff.Use(authHandler.RequireRoles(auth.RoleTeacher, auth.RoleAdmin))
				staff.Post("/exams", questionHandler.Create)
				staff.Get("/exams/{examID}", questionHandler.Get)
				staff.Get("/exams/{examID}/results", reportHandler.ExamResults)
				staff.Get("/exams/{examID}/results.xlsx", reportHandler.ExportExcel)
				staff.Post("/exams/{examID}/grades", reportHandler.EnterGrades)
				staff.Post("/exams/{examID}/pending", reportHandler.InitializePending)
				staff.Get("/grades/{gradeID}/students", rosterHandler.ListGradeStudents)
			})

			secure.With(authHandler.RequireRoles(auth.RoleTeacher)).
				Post("/exams/{examID}/duplicate", questionHandler.Duplicate)
		})
	})

	return r, dispatcher.Close
}
