// Command node-service-server is the demo multiplexer server: one
// SharedObject endpoint (a replicated counter), one RPC endpoint (echo),
// one PubSub endpoint (notifications), one PushPull endpoint (jobs),
// and the ambient HTTP surface (health, Prometheus metrics, an
// auth-token issuer for local testing). Shaped after the teacher's
// cmd/main.go and internal/server/server.go, folded into a single binary
// since this repo has no separate "server package" worth keeping apart
// from its entrypoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/azuliani/node-service/internal/authn"
	"github.com/azuliani/node-service/internal/config"
	"github.com/azuliani/node-service/internal/metrics"
	"github.com/azuliani/node-service/internal/multiplex"
	"github.com/azuliani/node-service/internal/natsbridge"
	"github.com/azuliani/node-service/internal/pathtree"
	"github.com/azuliani/node-service/internal/protocol"
	"github.com/azuliani/node-service/internal/schemaresolve"
	"github.com/azuliani/node-service/internal/sharedobject"
	"github.com/azuliani/node-service/internal/transport"
)

const counterSchemaJSON = `{
  "type": "object",
  "properties": {
    "value": {"type": "number"},
    "lastUpdated": {"type": "string", "format": "date-time"}
  },
  "required": ["value", "lastUpdated"]
}`

const echoInputSchemaJSON = `{"type": "object", "properties": {"message": {"type": "string"}}, "required": ["message"]}`
const echoOutputSchemaJSON = `{"type": "object", "properties": {"message": {"type": "string"}}, "required": ["message"]}`

const notificationSchemaJSON = `{"type": "object", "properties": {"text": {"type": "string"}}, "required": ["text"]}`
const jobSchemaJSON = `{"type": "object", "properties": {"id": {"type": "number"}}, "required": ["id"]}`

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	logger := log.New(os.Stdout, "[node-service] ", log.LstdFlags)

	counterSchema, err := schemaresolve.Compile(json.RawMessage(counterSchemaJSON))
	if err != nil {
		log.Fatalf("compiling counter schema: %v", err)
	}
	echoInputSchema, err := schemaresolve.Compile(json.RawMessage(echoInputSchemaJSON))
	if err != nil {
		log.Fatalf("compiling echo input schema: %v", err)
	}

	descriptor, err := protocol.NewDescriptor(
		protocol.DescriptorEndpoint{Name: "counter", Kind: protocol.KindSharedObject, ObjectSchema: json.RawMessage(counterSchemaJSON)},
		protocol.DescriptorEndpoint{Name: "echo", Kind: protocol.KindRPC, InputSchema: json.RawMessage(echoInputSchemaJSON), OutputSchema: json.RawMessage(echoOutputSchemaJSON)},
		protocol.DescriptorEndpoint{Name: "notifications", Kind: protocol.KindPubSub, MessageSchema: json.RawMessage(notificationSchemaJSON)},
		protocol.DescriptorEndpoint{Name: "jobs", Kind: protocol.KindPushPull, MessageSchema: json.RawMessage(jobSchemaJSON)},
	)
	if err != nil {
		log.Fatalf("building descriptor: %v", err)
	}

	metricsReg := metrics.NewMetrics()

	mx, err := multiplex.NewServer(descriptor, cfg.Multiplex.HeartbeatMs, logger, metricsReg)
	if err != nil {
		log.Fatalf("creating multiplexer: %v", err)
	}

	counterEndpoint, _ := descriptor.Lookup("counter")
	initial := map[string]interface{}{"value": float64(0), "lastUpdated": time.Now().UTC().Format(time.RFC3339Nano)}
	counter, err := sharedobject.NewServer("counter", counterSchema, initial, mx, counterEndpoint.AutoNotifyEnabled(), logger, metricsReg)
	if err != nil {
		log.Fatalf("creating counter shared object: %v", err)
	}
	defer counter.Close()
	mx.RegisterSharedObject("counter", counter)

	mx.RegisterRPCHandler("echo", func(endpoint protocol.Name, input json.RawMessage) (json.RawMessage, error) {
		if err := echoInputSchema.Validate(bytesReader(input)); err != nil {
			return nil, protocol.NewError(protocol.CodeValidationFailed, endpoint, "%v", err)
		}
		var req struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, protocol.NewError(protocol.CodeValidationFailed, endpoint, "%v", err)
		}
		return json.Marshal(map[string]string{"message": req.Message})
	})

	sys := metrics.NewSystemSnapshot()

	if cfg.NATS.Enabled {
		natsCfg := natsbridge.Config{
			URL:             cfg.NATS.URL,
			MaxReconnects:   cfg.NATS.MaxReconnects,
			ReconnectWait:   time.Duration(cfg.NATS.ReconnectWaitMs) * time.Millisecond,
			ReconnectJitter: time.Duration(cfg.NATS.ReconnectJitterMs) * time.Millisecond,
			MaxPingsOut:     cfg.NATS.MaxPingsOut,
			PingInterval:    time.Duration(cfg.NATS.PingIntervalMs) * time.Millisecond,
		}
		bridge, err := natsbridge.NewBridge(natsCfg, metricsReg, logger)
		if err != nil {
			logger.Printf("nats bridge disabled: %v", err)
		} else {
			defer bridge.Close()
			valuePath := pathtree.Path{pathtree.Key("value")}
			err := bridge.Subscribe("node-service.counter.value", func(data []byte) error {
				var msg struct {
					Value float64 `json:"value"`
				}
				if err := json.Unmarshal(data, &msg); err != nil {
					return err
				}
				if err := counter.Data().Set(valuePath, msg.Value); err != nil {
					return err
				}
				return counter.NotifyHint(valuePath)
			})
			if err != nil {
				logger.Printf("nats subscribe failed: %v", err)
			}
		}
	}

	var authMgr *authn.Manager
	if cfg.Auth.RequireAuth {
		authMgr = authn.NewManager(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenExpirationSec)*time.Second)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if authMgr != nil {
			if _, err := authMgr.Authenticate(r); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		conn, err := transport.Accept(w, r, logger)
		if err != nil {
			logger.Printf("upgrade failed: %v", err)
			return
		}
		metricsReg.IncrementConnections()
		mx.Serve(conn)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "healthy",
			"uptime": metricsReg.Uptime().Seconds(),
			"system": sys.Report(),
		})
	})
	if cfg.Metrics.EnablePrometheus {
		mux.Handle(cfg.Metrics.MetricsPath, promhttp.Handler())
	}
	if !cfg.Auth.RequireAuth {
		mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
			mgr := authn.NewManager(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenExpirationSec)*time.Second)
			token, err := mgr.Generate("demo-user", "user")
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"token": token})
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go mx.Run(ctx)

	// Refresh the system snapshot in the background: Update blocks for a
	// second while sampling CPU, too long to run inside /health.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			sys.Update()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	// Demo PubSub/PushPull traffic: a notification fanned out to every
	// subscriber, and a job handed to exactly one subscriber in turn.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		var jobID float64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				note, _ := json.Marshal(map[string]string{"text": "heartbeat tick"})
				if err := mx.Publish("notifications", note); err != nil {
					logger.Printf("publish notifications: %v", err)
				}
				jobID++
				job, _ := json.Marshal(map[string]float64{"id": jobID})
				if err := mx.Dispatch("jobs", job); err != nil {
					logger.Printf("dispatch jobs: %v", err)
				}
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      corsMiddleware(mux),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	cancel()
	mx.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bytesReader(raw json.RawMessage) interface{} {
	var v interface{}
	_ = json.Unmarshal(raw, &v)
	return v
}
