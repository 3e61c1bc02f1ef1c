package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/crm-inbox/api"
	"github.com/psds-microservice/crm-inbox/internal/handler"
	"github.com/psds-microservice/crm-inbox/internal/hub"
	"github.com/psds-microservice/crm-inbox/internal/service"
	"github.com/psds-microservice/helpy/paths"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type Deps struct {
	Service       service.InboxServicer
	Hub           *hub.Hub
	MaxMediaBytes int64
	Logger        zerolog.Logger
}

func New(d Deps) http.Handler {
	r := gin.New()
	r.Use(recoverer(d.Logger), requestLogger(d.Logger))
	r.GET(paths.PathHealth, handler.Health)
	r.GET(paths.PathReady, handler.Ready(d.Hub.Clients))
	r.GET(paths.PathSwagger, func(c *gin.Context) { c.Redirect(http.StatusFound, paths.PathSwagger+"/") })
	r.GET(paths.PathSwagger+"/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") == "openapi.json" {
			c.Data(http.StatusOK, "application/json", api.OpenAPISpec)
			return
		}
		if strings.TrimPrefix(c.Param("any"), "/") == "" {
			c.Request.URL.Path = paths.PathSwagger + "/index.html"
			c.Request.RequestURI = paths.PathSwagger + "/index.html"
		}
		ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL(paths.PathSwagger+"/openapi.json"))(c)
	})

	th := handler.NewTicketHandler(d.Service)
	mh := handler.NewMessageHandler(d.Service)
	media := handler.NewMediaHandler(d.Service, d.MaxMediaBytes)

	a := r.Group("/api")
	{
		a.GET("/socket", gin.WrapH(d.Hub))

		a.GET("/tickets", th.List)
		a.POST("/tickets", th.Create)
		a.GET("/tickets/:id", th.Get)
		a.PUT("/tickets/:id", th.Update)
		a.POST("/tickets/:id/inbound", th.Inbound)

		a.GET("/messages/:ticketId", mh.List)
		a.POST("/messages/:ticketId", mh.Send)
		a.PUT("/messages/:ticketId/read", mh.MarkRead)

		a.POST("/media/upload", media.Upload)
		a.GET("/media/:name", media.Get)
	}

	return r
}
