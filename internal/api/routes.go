package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"
)

// ListRequestsParams defines parameters for ListRequests.
type ListRequestsParams struct {
	Status *string `form:"status,omitempty" json:"status,omitempty"`
	Limit  *int    `form:"limit,omitempty" json:"limit,omitempty"`
}

// ServerInterface represents all server handlers under /api/v1.
type ServerInterface interface {
	// (GET /requests)
	ListRequests(ctx echo.Context, params ListRequestsParams) error
	// (POST /requests)
	CreateRequest(ctx echo.Context) error
	// (GET /requests/{id})
	GetRequest(ctx echo.Context, id openapi_types.UUID) error
	// (PUT /requests/{id})
	UpdateRequest(ctx echo.Context, id openapi_types.UUID) error
	// (DELETE /requests/{id})
	DeleteRequest(ctx echo.Context, id openapi_types.UUID) error
	// (POST /requests/{id}/submit)
	SubmitRequest(ctx echo.Context, id openapi_types.UUID) error
	// (POST /requests/{id}/approve)
	ApproveRequest(ctx echo.Context, id openapi_types.UUID) error
	// (POST /requests/{id}/cancel)
	CancelRequest(ctx echo.Context, id openapi_types.UUID) error
	// (POST /requests/{id}/return)
	ReturnRequest(ctx echo.Context, id openapi_types.UUID) error
	// (POST /admin/reconcile)
	Reconcile(ctx echo.Context) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func (w *ServerInterfaceWrapper) ListRequests(ctx echo.Context) error {
	var params ListRequestsParams

	if err := runtime.BindQueryParameter("form", true, false, "status", ctx.QueryParams(), &params.Status); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter status: "+err.Error())
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter limit: "+err.Error())
	}

	return w.Handler.ListRequests(ctx, params)
}

func (w *ServerInterfaceWrapper) CreateRequest(ctx echo.Context) error {
	return w.Handler.CreateRequest(ctx)
}

func (w *ServerInterfaceWrapper) GetRequest(ctx echo.Context) error {
	return w.withID(ctx, w.Handler.GetRequest)
}

func (w *ServerInterfaceWrapper) UpdateRequest(ctx echo.Context) error {
	return w.withID(ctx, w.Handler.UpdateRequest)
}

func (w *ServerInterfaceWrapper) DeleteRequest(ctx echo.Context) error {
	return w.withID(ctx, w.Handler.DeleteRequest)
}

func (w *ServerInterfaceWrapper) SubmitRequest(ctx echo.Context) error {
	return w.withID(ctx, w.Handler.SubmitRequest)
}

func (w *ServerInterfaceWrapper) ApproveRequest(ctx echo.Context) error {
	return w.withID(ctx, w.Handler.ApproveRequest)
}

func (w *ServerInterfaceWrapper) CancelRequest(ctx echo.Context) error {
	return w.withID(ctx, w.Handler.CancelRequest)
}

func (w *ServerInterfaceWrapper) ReturnRequest(ctx echo.Context) error {
	return w.withID(ctx, w.Handler.ReturnRequest)
}

func (w *ServerInterfaceWrapper) Reconcile(ctx echo.Context) error {
	return w.Handler.Reconcile(ctx)
}

// withID binds the "id" path parameter as a UUID before calling next.
func (w *ServerInterfaceWrapper) withID(ctx echo.Context, next func(echo.Context, openapi_types.UUID) error) error {
	var id openapi_types.UUID

	err := runtime.BindStyledParameterWithOptions("simple", "id", ctx.Param("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter id: "+err.Error())
	}

	return next(ctx, id)
}

// EchoRouter is satisfied by both *echo.Echo and *echo.Group.
type EchoRouter interface {
	DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

// RegisterHandlersWithBaseURL registers handlers, and prepends baseURL to the
// paths, so that the paths can be served under a prefix.
func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	wrapper := ServerInterfaceWrapper{
		Handler: si,
	}

	router.GET(baseURL+"/requests", wrapper.ListRequests)
	router.POST(baseURL+"/requests", wrapper.CreateRequest)
	router.GET(baseURL+"/requests/:id", wrapper.GetRequest)
	router.PUT(baseURL+"/requests/:id", wrapper.UpdateRequest)
	router.DELETE(baseURL+"/requests/:id", wrapper.DeleteRequest)
	router.POST(baseURL+"/requests/:id/submit", wrapper.SubmitRequest)
	router.POST(baseURL+"/requests/:id/approve", wrapper.ApproveRequest)
	router.POST(baseURL+"/requests/:id/cancel", wrapper.CancelRequest)
	router.POST(baseURL+"/requests/:id/return", wrapper.ReturnRequest)
	router.POST(baseURL+"/admin/reconcile", wrapper.Reconcile)
}
