package dispatcher

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/janhicken/schedoscope/dispatcher/protocol"
)

// DefaultTransformTimeout bounds how long a REST transform request waits for
// its reply before reporting a timeout to the caller.
var DefaultTransformTimeout = time.Minute

// RESTServer exposes the dispatcher control surface over HTTP/JSON: pool
// status, the worker status snapshot, command submission and deploy
// broadcast.
type RESTServer struct {
	dispatcher *Dispatcher
}

func NewRESTServer(d *Dispatcher) *RESTServer {
	return &RESTServer{dispatcher: d}
}

func (s *RESTServer) Serve(addr string) error {
	logrus.Info("starting REST control server")
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  1 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	}
	return server.ListenAndServe()
}

// Handler builds the HTTP handler of the control surface.
func (s *RESTServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	r.GET("/status", s.handleStatus)
	r.GET("/transformations", s.handleTransformations)
	r.POST("/transform", s.handleTransform)
	r.POST("/deploy", s.handleDeploy)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	return c.Handler(r)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Pools   map[string]*protocol.PoolState `json:"pools"`
	Elapsed time.Duration                  `json:"elapsed"`
}

func (s *RESTServer) handleStatus(ctx *gin.Context) {
	start := time.Now()
	ctx.JSON(http.StatusOK, StatusResponse{
		Pools:   s.dispatcher.PoolStates(),
		Elapsed: time.Since(start),
	})
}

func (s *RESTServer) handleTransformations(ctx *gin.Context) {
	states, err := s.dispatcher.Transformations(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusServiceUnavailable, jsonError("unable to snapshot workers: %s", err))
		return
	}

	ctx.JSON(http.StatusOK, protocol.TransformationStatusListResponse{States: states})
}

// TransformRequest is the body of POST /transform.
type TransformRequest struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties"`
	// Timeout bounds the reply wait, defaults to DefaultTransformTimeout.
	Timeout time.Duration `json:"timeout"`
}

// TransformResponse is the body of POST /transform.
type TransformResponse struct {
	Status    string    `json:"status"`
	Checksum  string    `json:"checksum,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func (s *RESTServer) handleTransform(ctx *gin.Context) {
	var req TransformRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, jsonError("unable to read request: %s", err))
		return
	}

	if req.Type == "" {
		ctx.JSON(http.StatusBadRequest, jsonError("transformation type is mandatory"))
		return
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTransformTimeout
	}

	replyTo := make(chan protocol.Reply, 1)
	t := protocol.Transformation{Type: req.Type, Properties: req.Properties}
	if err := s.dispatcher.Transform(ctx.Request.Context(), t, replyTo); err != nil {
		status := http.StatusInternalServerError
		if ErrUnknownType.Is(err) {
			status = http.StatusBadRequest
		}
		ctx.JSON(status, jsonError("unable to submit transformation: %s", err))
		return
	}

	select {
	case reply := <-replyTo:
		switch r := reply.(type) {
		case protocol.TransformationSuccess:
			ctx.JSON(http.StatusOK, TransformResponse{
				Status:    "success",
				Checksum:  r.Checksum,
				Timestamp: r.Timestamp,
			})
		case protocol.TransformationFailure:
			ctx.JSON(http.StatusUnprocessableEntity, TransformResponse{
				Status: "failure",
				Reason: r.Reason,
			})
		default:
			ctx.JSON(http.StatusInternalServerError, jsonError("unexpected reply %T", reply))
		}

	case <-time.After(timeout):
		ctx.JSON(http.StatusGatewayTimeout, jsonError("no reply within %s", timeout))

	case <-ctx.Request.Context().Done():
		ctx.JSON(http.StatusServiceUnavailable, jsonError("request aborted"))
	}
}

// DeployResponse is the body of POST /deploy.
type DeployResponse struct {
	Acks []protocol.DeployResult `json:"acks"`
}

// deployAckWait bounds how long the deploy endpoint collects per-worker
// acknowledgements.
var deployAckWait = 30 * time.Second

func (s *RESTServer) handleDeploy(ctx *gin.Context) {
	workers := 0
	for _, state := range s.dispatcher.PoolStates() {
		workers += state.Workers
	}

	replyTo := make(chan protocol.Reply, workers)
	if err := s.dispatcher.Deploy(ctx.Request.Context(), replyTo); err != nil {
		ctx.JSON(http.StatusInternalServerError, jsonError("unable to broadcast deploy: %s", err))
		return
	}

	resp := DeployResponse{Acks: make([]protocol.DeployResult, 0, workers)}
	deadline := time.After(deployAckWait)
	for len(resp.Acks) < workers {
		select {
		case reply := <-replyTo:
			if ack, ok := reply.(protocol.DeployResult); ok {
				resp.Acks = append(resp.Acks, ack)
			}
		case <-deadline:
			ctx.JSON(http.StatusOK, resp)
			return
		case <-ctx.Request.Context().Done():
			return
		}
	}

	ctx.JSON(http.StatusOK, resp)
}

func jsonError(msg string, args ...interface{}) gin.H {
	return gin.H{
		"errors": []gin.H{
			{"message": fmt.Sprintf(msg, args...)},
		},
	}
}
