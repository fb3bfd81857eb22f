package middleware

import (
	"github.com/MicahParks/keyfunc/v3"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/veska-bio/loom/pkg/checkpoint"
)

// AppUser identifies the authenticated caller of an API request.
type AppUser struct {
	Subject string
	Role    string
}

// App holds the shared dependencies handlers reach through the request
// context: the channel cases are queued on, the checkpoint store the status
// endpoint reads, and the optional archive fallback for finished cases.
type App struct {
	Queue        *amqp091.Channel
	Key          *keyfunc.Keyfunc
	Checkpoints  checkpoint.Store
	Archive      checkpoint.ArchiveReader
	MasterAPIKey string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
