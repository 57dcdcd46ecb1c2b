package routes

import (
	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	gateHandler *handlers.GateHandler,
	restrictionHandler *handlers.RestrictionHandler,
	deviceHandler *handlers.DeviceHandler,
	tokenValidator *auth.TokenValidator,
	corsConfig *middleware.CORSConfig,
) {
	throttle := middleware.DefaultApprovalThrottle()

	// Public approval flow - reached from the emailed link, no session
	router.Group(func(r chi.Router) {
		r.Use(middleware.CORS(corsConfig))
		r.Use(middleware.ThrottleByIP(throttle))
		r.Get("/devices/approve", deviceHandler.ShowApproval)
		r.Post("/devices/approve", deviceHandler.SubmitApproval)
	})

	// Everything else requires a token from the identity service
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenValidator))

		// Service-to-service gate, called on every authentication attempt
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole("service"))
			r.Post("/gate/check", gateHandler.Check)
			r.Post("/gate/login/failure", gateHandler.LoginFailure)
			r.Post("/gate/login/success", gateHandler.LoginSuccess)
			r.Get("/gate/lockouts", gateHandler.LockoutStatus)
			r.Post("/devices/evaluate", deviceHandler.Evaluate)
		})

		// Device self-management for end users
		r.Get("/devices", deviceHandler.List)
		r.Post("/devices/revoke-all", deviceHandler.RevokeAll)
		r.Post("/devices/{id}/approve", deviceHandler.ApproveFromSession)
		r.Patch("/devices/{id}", deviceHandler.Rename)
		r.Delete("/devices/{id}", deviceHandler.Revoke)

		// Admin-only restriction and lockout management
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole("admin"))
			r.Get("/admin/restrictions", restrictionHandler.List)
			r.Post("/admin/restrictions", restrictionHandler.Create)
			r.Delete("/admin/restrictions/{id}", restrictionHandler.Delete)
			r.Delete("/admin/lockouts/{email}", gateHandler.ResetLockout)
		})
	})
}
