package router

import (
	"net/http"

	"github.com/pixelforge/backend/internal/account"
	"github.com/pixelforge/backend/internal/auth"
	"github.com/pixelforge/backend/internal/billing"
	"github.com/pixelforge/backend/internal/catalog"
	"github.com/pixelforge/backend/internal/reconciler"
	"github.com/pixelforge/backend/internal/tools"
	"github.com/pixelforge/backend/internal/uploads"
	"github.com/pixelforge/backend/internal/workflows"
)

// Handlers groups the API handlers New mounts.
type Handlers struct {
	Auth       *auth.Handler
	Catalog    *catalog.Handler
	Tools      *tools.Handler
	Workflows  *workflows.Handler
	Account    *account.Handler
	Uploads    *uploads.Handler
	Reconciler *reconciler.Handler
	Billing    *billing.Handler
}

type Middleware func(http.Handler) http.Handler

// New returns an http.Handler that serves the API under /api/v1. requireUser
// guards everything a signed-in user does; limit(route) throttles the
// endpoints that spend credits or storage.
func New(h Handlers, requireUser Middleware, limit func(route string) Middleware) http.Handler {
	mux := http.NewServeMux()
	const base = "/api/v1"

	user := func(fn http.HandlerFunc) http.Handler { return requireUser(fn) }
	limited := func(route string, fn http.HandlerFunc) http.Handler { return requireUser(limit(route)(fn)) }

	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)

	mux.HandleFunc("GET "+base+"/tools", h.Catalog.ListTools)
	mux.HandleFunc("GET "+base+"/tools/{id}", h.Catalog.GetTool)
	mux.HandleFunc("GET "+base+"/workflows", h.Catalog.ListWorkflows)
	mux.HandleFunc("GET "+base+"/workflows/{id}", h.Catalog.GetWorkflow)
	mux.Handle("POST "+base+"/tools/{id}/quote", user(h.Catalog.QuoteTool))
	mux.Handle("POST "+base+"/workflows/{id}/quote", user(h.Catalog.QuoteWorkflow))

	mux.Handle("POST "+base+"/tools/{id}/execute", limited("tools", h.Tools.Execute))
	mux.Handle("POST "+base+"/workflows/{id}/execute", limited("workflows", h.Workflows.Execute))
	mux.Handle("POST "+base+"/uploads", limited("uploads", h.Uploads.Upload))

	mux.Handle("GET "+base+"/account/me", user(h.Account.GetMe))
	mux.Handle("GET "+base+"/account/transactions", user(h.Account.ListTransactions))
	mux.Handle("GET "+base+"/executions", user(h.Account.ListExecutions))
	mux.Handle("GET "+base+"/executions/{id}", user(h.Account.GetExecution))

	// Inbound webhooks authenticate themselves.
	mux.HandleFunc("POST "+base+"/webhooks/workflow-callback", h.Reconciler.Callback)
	mux.HandleFunc("POST "+base+"/webhooks/stripe", h.Billing.Webhook)

	return mux
}
