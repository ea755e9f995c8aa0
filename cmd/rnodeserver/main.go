// Command rnodeserver is a thin embedding example exercising routing,
// middleware, static files, templates, WebSocket, the metrics endpoint,
// and the built-in gases. It registers no bridged (rnode/bridge) handlers.
package main

import (
	"log"
	"net/http"

	"github.com/rnode-server/rnode"
	"github.com/rnode-server/rnode/render"
	"github.com/rnode-server/rnode/static"
	"github.com/rnode-server/rnode/ws"
)

func main() {
	s := rnode.New()

	s.Pregases = append(s.Pregases, rnode.Recover())
	s.Gases = append(s.Gases, rnode.Secure(), rnode.RequestLogger())
	s.Use("/api/**", rnode.CORS())

	if err := s.GET("/", func(req *rnode.Request, res *rnode.Response) error {
		return res.WriteString("rnode is running")
	}); err != nil {
		log.Fatal(err)
	}

	if err := s.GET("/api/echo/{word}", func(req *rnode.Request, res *rnode.Response) error {
		return res.WriteJSON(map[string]string{"word": req.Param("word")})
	}); err != nil {
		log.Fatal(err)
	}

	if err := s.Static("/static", "./public", static.DefaultOptions()); err != nil {
		log.Fatal(err)
	}

	if err := s.Templates.Init("./views"); err != nil {
		log.Fatal(err)
	}

	if err := s.GET("/hello/{name}", func(req *rnode.Request, res *rnode.Response) error {
		result := s.Templates.Render("hello.html", render.Context{"Name": req.Param("name")})
		if !result.OK {
			return rnode.NewHTTPError(http.StatusInternalServerError, result.Error)
		}

		res.ContentType = "text/html; charset=utf-8"
		return res.WriteString(result.Content)
	}); err != nil {
		log.Fatal(err)
	}

	s.WebSocket("/ws/chat", &ws.Route{
		Events: ws.AllEvents,
		Handler: ws.Handler{
			OnConnect: func(c *ws.Connection) {
				s.Logger.Infof("websocket connected: %s", c.ID)
			},
			OnMessage: func(c *ws.Connection, f ws.Frame) {
				s.WebSocketHub().Broadcast("chat", f.Data)
			},
		},
	})

	if err := s.EnableMetricsEndpoint("/metrics"); err != nil {
		log.Fatal(err)
	}

	s.Logger.Infof("listening on %s", s.Address)

	if err := s.Listen(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
